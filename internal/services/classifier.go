package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"treehole/internal/errs"
	"treehole/internal/models"
)

// ClassificationResult is the tagged outcome of one classifier call. Err
// records why a result was degraded; it is never propagated to callers
// because a classification outage must not block submission.
type ClassificationResult struct {
	Flagged        bool                  `json:"flagged"`
	CategoryScores models.CategoryScores `json:"category_scores"`
	Severity       float64               `json:"severity"`
	IsCrisis       bool                  `json:"is_crisis"`
	Err            error                 `json:"-"`
}

// SafeClassification is the single constructor for the degraded case:
// nothing flagged, zero severity, no crisis.
func SafeClassification(err error) ClassificationResult {
	return ClassificationResult{
		CategoryScores: models.CategoryScores{},
		Err:            err,
	}
}

// ContentClassifier is the external text-classification capability consumed
// by the moderation pipeline.
type ContentClassifier interface {
	Classify(ctx context.Context, text string) ClassificationResult
}

// ClassifierConfig carries the externally supplied provider settings. An
// empty APIKey is a valid, expected runtime mode: the classifier then always
// returns safe defaults.
type ClassifierConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Classifier adapts an OpenAI-moderation-shaped HTTP endpoint. Stateless per
// call; constructed once at process start and passed by handle.
type Classifier struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger
}

const defaultClassifyTimeout = 10 * time.Second

func NewClassifier(cfg ClassifierConfig, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultClassifyTimeout
	}
	return &Classifier{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		timeout: cfg.Timeout,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}
}

type moderationRequest struct {
	Input string `json:"input"`
}

type moderationResponse struct {
	Results []struct {
		Flagged        bool               `json:"flagged"`
		CategoryScores map[string]float64 `json:"category_scores"`
	} `json:"results"`
}

// Classify sends text to the provider and derives severity and the crisis
// flag from the returned category scores. Every failure path degrades to the
// safe default and logs at warning level; nothing is raised to the caller.
func (c *Classifier) Classify(ctx context.Context, text string) ClassificationResult {
	if c.apiKey == "" {
		c.logger.Warn("classifier not configured, returning safe default")
		return SafeClassification(errs.New(errs.KindClassificationUnavailable, "missing API key"))
	}
	// Very short content carries no classifiable signal.
	if len(strings.TrimSpace(text)) < 3 {
		return SafeClassification(nil)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(moderationRequest{Input: text})
	if err != nil {
		return c.degrade(errs.Wrap(errs.KindClassificationUnavailable, "encode request", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/moderations", bytes.NewReader(body))
	if err != nil {
		return c.degrade(errs.Wrap(errs.KindClassificationUnavailable, "build request", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return c.degrade(errs.Wrap(errs.KindClassificationTimeout, "provider timeout", err))
		}
		return c.degrade(errs.Wrap(errs.KindClassificationUnavailable, "provider request failed", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.degrade(errs.New(errs.KindClassificationUnavailable,
			fmt.Sprintf("provider returned status %d", resp.StatusCode)))
	}

	var parsed moderationResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return c.degrade(errs.Wrap(errs.KindClassificationUnavailable, "malformed response", err))
	}
	if len(parsed.Results) == 0 {
		return c.degrade(errs.New(errs.KindClassificationUnavailable, "empty result set"))
	}

	r := parsed.Results[0]
	scores := models.CategoryScores(r.CategoryScores)
	if scores == nil {
		scores = models.CategoryScores{}
	}

	return ClassificationResult{
		Flagged:        r.Flagged,
		CategoryScores: scores,
		Severity:       maxScore(scores),
		IsCrisis:       crisisFromScores(scores),
	}
}

func (c *Classifier) degrade(err error) ClassificationResult {
	c.logger.Warn("classification degraded", "error", err)
	return SafeClassification(err)
}

func maxScore(scores models.CategoryScores) float64 {
	var max float64
	for _, s := range scores {
		if s > max {
			max = s
		}
	}
	return max
}

// crisisFromScores is the stricter, score-weighted second opinion on top of
// the keyword pass.
func crisisFromScores(scores models.CategoryScores) bool {
	return scores["self-harm"] > 0.5 ||
		scores["self-harm/intent"] > 0.3 ||
		scores["self-harm/instructions"] > 0.3 ||
		scores["violence"] > 0.5 ||
		scores["violence/graphic"] > 0.3
}
