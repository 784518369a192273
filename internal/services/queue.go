package services

import (
	"context"
	"sort"
	"time"

	"treehole/internal/models"

	"gorm.io/gorm"
)

// FlaggedPerPage matches the moderator dashboard page size.
const FlaggedPerPage = 25

// FlaggedPost is a queue entry joining the post with its moderation record
// and ledger aggregates.
type FlaggedPost struct {
	Post   models.Post             `json:"post"`
	Record models.ModerationRecord `json:"record"`
	Votes  VoteCounts              `json:"votes"`
}

type FlaggedComment struct {
	Comment models.Comment          `json:"comment"`
	Record  models.ModerationRecord `json:"record"`
	Votes   VoteCounts              `json:"votes"`
}

// FlaggedPage carries the two independent page cursors. Posts and comments
// paginate separately so page boundaries never cross-contaminate.
type FlaggedPage struct {
	PostsPage    int
	CommentsPage int
}

// FlaggedQueueResult is one moderator dashboard view. The auto-flagged counts
// are computed from the already-fetched lists, never per-item queries.
type FlaggedQueueResult struct {
	Posts    []FlaggedPost    `json:"posts"`
	Comments []FlaggedComment `json:"comments"`

	PostsTotal    int `json:"posts_total"`
	CommentsTotal int `json:"comments_total"`
	PostsPages    int `json:"posts_pages"`
	CommentsPages int `json:"comments_pages"`

	AutoFlaggedPosts    int `json:"auto_flagged_posts"`
	AutoFlaggedComments int `json:"auto_flagged_comments"`
}

// Queue is the read-side view ranking flagged items for human review.
type Queue struct {
	db *gorm.DB
}

func NewQueue(db *gorm.DB) *Queue {
	return &Queue{db: db}
}

// ListFlagged returns flagged, still-visible posts and comments ordered by
// severity DESC (nulls last) then newest first, with independent pagination
// per target kind.
func (q *Queue) ListFlagged(ctx context.Context, page FlaggedPage) (*FlaggedQueueResult, error) {
	if page.PostsPage < 1 {
		page.PostsPage = 1
	}
	if page.CommentsPage < 1 {
		page.CommentsPage = 1
	}

	var records []models.ModerationRecord
	if err := q.db.WithContext(ctx).
		Where("flagged = ?", true).
		Find(&records).Error; err != nil {
		return nil, err
	}

	postRecords := make(map[uint]models.ModerationRecord)
	commentRecords := make(map[uint]models.ModerationRecord)
	var postIDs, commentIDs []uint
	for _, r := range records {
		switch r.TargetType {
		case models.TargetPost:
			postRecords[r.TargetID] = r
			postIDs = append(postIDs, r.TargetID)
		case models.TargetComment:
			commentRecords[r.TargetID] = r
			commentIDs = append(commentIDs, r.TargetID)
		}
	}

	result := &FlaggedQueueResult{Posts: []FlaggedPost{}, Comments: []FlaggedComment{}}

	allPosts, err := q.flaggedPosts(ctx, postIDs, postRecords)
	if err != nil {
		return nil, err
	}
	allComments, err := q.flaggedComments(ctx, commentIDs, commentRecords)
	if err != nil {
		return nil, err
	}

	// Counts come from the fetched lists; the dashboard shows how much of the
	// queue came from automation versus user reports.
	for _, p := range allPosts {
		if p.Record.AutoFlagged {
			result.AutoFlaggedPosts++
		}
	}
	for _, c := range allComments {
		if c.Record.AutoFlagged {
			result.AutoFlaggedComments++
		}
	}

	result.PostsTotal = len(allPosts)
	result.CommentsTotal = len(allComments)
	result.PostsPages = totalPages(len(allPosts), FlaggedPerPage)
	result.CommentsPages = totalPages(len(allComments), FlaggedPerPage)
	result.Posts = pageOf(allPosts, page.PostsPage, FlaggedPerPage)
	result.Comments = pageOf(allComments, page.CommentsPage, FlaggedPerPage)

	return result, nil
}

func (q *Queue) flaggedPosts(ctx context.Context, ids []uint, records map[uint]models.ModerationRecord) ([]FlaggedPost, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var posts []models.Post
	if err := q.db.WithContext(ctx).
		Where("id IN ? AND hidden = ?", ids, false).
		Find(&posts).Error; err != nil {
		return nil, err
	}

	counts, err := q.batchVoteCounts(ctx, models.TargetPost, ids)
	if err != nil {
		return nil, err
	}

	items := make([]FlaggedPost, 0, len(posts))
	for _, p := range posts {
		items = append(items, FlaggedPost{Post: p, Record: records[p.ID], Votes: counts[p.ID]})
	}
	sort.SliceStable(items, func(i, j int) bool {
		return recordLess(items[i].Record, items[j].Record,
			items[i].Post.CreatedAt, items[j].Post.CreatedAt)
	})
	return items, nil
}

func (q *Queue) flaggedComments(ctx context.Context, ids []uint, records map[uint]models.ModerationRecord) ([]FlaggedComment, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var comments []models.Comment
	if err := q.db.WithContext(ctx).
		Where("id IN ? AND deleted = ?", ids, false).
		Find(&comments).Error; err != nil {
		return nil, err
	}

	counts, err := q.batchVoteCounts(ctx, models.TargetComment, ids)
	if err != nil {
		return nil, err
	}

	items := make([]FlaggedComment, 0, len(comments))
	for _, c := range comments {
		items = append(items, FlaggedComment{Comment: c, Record: records[c.ID], Votes: counts[c.ID]})
	}
	sort.SliceStable(items, func(i, j int) bool {
		return recordLess(items[i].Record, items[j].Record,
			items[i].Comment.CreatedAt, items[j].Comment.CreatedAt)
	})
	return items, nil
}

// batchVoteCounts aggregates the ledger for a whole id set in one grouped
// query, avoiding a query per queue row.
func (q *Queue) batchVoteCounts(ctx context.Context, kind models.TargetKind, ids []uint) (map[uint]VoteCounts, error) {
	type row struct {
		TargetID  uint
		Direction models.VoteDirection
		Count     int64
	}
	var rows []row
	if err := q.db.WithContext(ctx).Model(&models.Vote{}).
		Select("target_id, direction, COUNT(*) AS count").
		Where("target_type = ? AND target_id IN ?", kind, ids).
		Group("target_id").Group("direction").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	counts := make(map[uint]VoteCounts, len(ids))
	for _, r := range rows {
		c := counts[r.TargetID]
		switch r.Direction {
		case models.VoteUp:
			c.Upvotes = r.Count
		case models.VoteDown:
			c.Downvotes = r.Count
		}
		c.Net = c.Upvotes - c.Downvotes
		counts[r.TargetID] = c
	}
	return counts, nil
}

// recordLess orders by severity DESC with nulls last, then newest first.
func recordLess(a, b models.ModerationRecord, aCreated, bCreated time.Time) bool {
	switch {
	case a.Severity != nil && b.Severity == nil:
		return true
	case a.Severity == nil && b.Severity != nil:
		return false
	case a.Severity != nil && b.Severity != nil && *a.Severity != *b.Severity:
		return *a.Severity > *b.Severity
	}
	return aCreated.After(bCreated)
}

func totalPages(total, perPage int) int {
	if total == 0 {
		return 1
	}
	return (total + perPage - 1) / perPage
}

func pageOf[T any](items []T, page, perPage int) []T {
	start := (page - 1) * perPage
	if start >= len(items) {
		return []T{}
	}
	end := start + perPage
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}
