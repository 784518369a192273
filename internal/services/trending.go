package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"treehole/internal/models"
	"treehole/internal/utils"

	"gorm.io/gorm"
)

// Trending rank parameters. Votes weigh double; the +2h denominator floor
// keeps brand-new items from blowing up the quotient.
const (
	trendingVoteWeight    = 2.0
	trendingCommentWeight = 1.0
	trendingAgeFloor      = 2.0
	trendingWindow        = 24 * time.Hour
)

// TrendingSnapshot is the computed rank input for one post. Never persisted.
type TrendingSnapshot struct {
	RecentVotes    int     `json:"recent_votes"`
	RecentComments int     `json:"recent_comments"`
	AgeHours       float64 `json:"age_hours"`
	Score          float64 `json:"score"`
}

// TrendingScore computes the decayed engagement score. Pure function of the
// inputs so every storage backend ranks identically; age is computed in
// application code from the fetched timestamp, not in backend-specific SQL.
func TrendingScore(recentVotes, recentComments int, ageHours float64) float64 {
	if ageHours < 0 {
		ageHours = 0 // clock skew
	}
	return (float64(recentVotes)*trendingVoteWeight + float64(recentComments)*trendingCommentWeight) /
		(ageHours + trendingAgeFloor)
}

// Trending ranks posts by decayed recent engagement read from the vote ledger
// and comment table.
type Trending struct {
	db    *gorm.DB
	cache *utils.Cache
}

func NewTrending(db *gorm.DB, cache *utils.Cache) *Trending {
	return &Trending{db: db, cache: cache}
}

// RankedPost pairs a post with its snapshot.
type RankedPost struct {
	Post     models.Post      `json:"post"`
	Snapshot TrendingSnapshot `json:"snapshot"`
}

// Snapshot computes the trending snapshot for a single post at the given
// instant. Second-level precision on age avoids rank flapping between
// near-simultaneous items.
func (t *Trending) Snapshot(ctx context.Context, postID uint, now time.Time) (TrendingSnapshot, error) {
	var post models.Post
	if err := t.db.WithContext(ctx).First(&post, postID).Error; err != nil {
		return TrendingSnapshot{}, err
	}

	cutoff := now.Add(-trendingWindow)

	var votes int64
	if err := t.db.WithContext(ctx).Model(&models.Vote{}).
		Where("target_type = ? AND target_id = ? AND created_at >= ?", models.TargetPost, postID, cutoff).
		Count(&votes).Error; err != nil {
		return TrendingSnapshot{}, err
	}

	var comments int64
	if err := t.db.WithContext(ctx).Model(&models.Comment{}).
		Where("post_id = ? AND deleted = ? AND created_at >= ?", postID, false, cutoff).
		Count(&comments).Error; err != nil {
		return TrendingSnapshot{}, err
	}

	return t.snapshot(int(votes), int(comments), post.CreatedAt, now), nil
}

func (t *Trending) snapshot(votes, comments int, createdAt, now time.Time) TrendingSnapshot {
	age := now.Sub(createdAt).Seconds() / 3600.0
	return TrendingSnapshot{
		RecentVotes:    votes,
		RecentComments: comments,
		AgeHours:       age,
		Score:          TrendingScore(votes, comments, age),
	}
}

// Rank returns up to limit visible posts ordered by trending score, newest
// first on ties. Recent activity is aggregated in two grouped queries, one
// per signal, then combined in memory.
func (t *Trending) Rank(ctx context.Context, now time.Time, page, perPage int) ([]RankedPost, error) {
	if page < 1 {
		page = 1
	}
	cacheKey := fmt.Sprintf("trending:page:%d:%d", page, perPage)
	if t.cache != nil {
		if cached := t.cache.Get(cacheKey); cached != nil {
			if ranked, ok := cached.([]RankedPost); ok {
				return ranked, nil
			}
		}
	}

	// Candidate set is the 500 newest visible posts; a post older than that
	// cannot enter trending even with activity inside the window. The cap
	// bounds the two aggregate queries below.
	var posts []models.Post
	if err := t.db.WithContext(ctx).
		Where("hidden = ?", false).
		Order("created_at DESC").
		Limit(500).
		Find(&posts).Error; err != nil {
		return nil, err
	}
	if len(posts) == 0 {
		return []RankedPost{}, nil
	}

	postIDs := make([]uint, len(posts))
	for i, p := range posts {
		postIDs[i] = p.ID
	}

	cutoff := now.Add(-trendingWindow)

	type countRow struct {
		ID    uint
		Count int
	}

	var voteRows []countRow
	if err := t.db.WithContext(ctx).Model(&models.Vote{}).
		Select("target_id AS id, COUNT(*) AS count").
		Where("target_type = ? AND target_id IN ? AND created_at >= ?", models.TargetPost, postIDs, cutoff).
		Group("target_id").
		Scan(&voteRows).Error; err != nil {
		return nil, err
	}
	voteCounts := make(map[uint]int, len(voteRows))
	for _, r := range voteRows {
		voteCounts[r.ID] = r.Count
	}

	var commentRows []countRow
	if err := t.db.WithContext(ctx).Model(&models.Comment{}).
		Select("post_id AS id, COUNT(*) AS count").
		Where("post_id IN ? AND deleted = ? AND created_at >= ?", postIDs, false, cutoff).
		Group("post_id").
		Scan(&commentRows).Error; err != nil {
		return nil, err
	}
	commentCounts := make(map[uint]int, len(commentRows))
	for _, r := range commentRows {
		commentCounts[r.ID] = r.Count
	}

	ranked := make([]RankedPost, 0, len(posts))
	for _, p := range posts {
		snap := t.snapshot(voteCounts[p.ID], commentCounts[p.ID], p.CreatedAt, now)
		p.CommentCount = commentCounts[p.ID]
		ranked = append(ranked, RankedPost{Post: p, Snapshot: snap})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Snapshot.Score != ranked[j].Snapshot.Score {
			return ranked[i].Snapshot.Score > ranked[j].Snapshot.Score
		}
		return ranked[i].Post.CreatedAt.After(ranked[j].Post.CreatedAt)
	})

	start := (page - 1) * perPage
	if start >= len(ranked) {
		return []RankedPost{}, nil
	}
	end := start + perPage
	if end > len(ranked) {
		end = len(ranked)
	}
	pageItems := ranked[start:end]

	if t.cache != nil {
		t.cache.Set(cacheKey, pageItems, 30*time.Second)
	}
	return pageItems, nil
}
