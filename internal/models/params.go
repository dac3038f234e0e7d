package models

import (
	"fmt"
	"strconv"
)

// Typed parameter structs per job kind. The parameter map on the wire stays
// opaque; executors decode into these before doing any work so malformed
// input fails fast as a permanent error.

// KeywordCrawlParams configures a single-keyword crawl
type KeywordCrawlParams struct {
	KeywordID int64
	Limit     int
}

// TrendingCrawlParams configures a trending-content crawl
type TrendingCrawlParams struct {
	Subreddit string
	Limit     int
}

// AllKeywordsCrawlParams configures a sweep over every registered keyword
type AllKeywordsCrawlParams struct {
	Limit int
}

// CommentsCrawlParams configures a comment-tree crawl under one post
type CommentsCrawlParams struct {
	PostID string
	Depth  int
}

func paramInt(params map[string]string, key string, fallback int) (int, error) {
	v, ok := params[key]
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parameter %q is not an integer: %q", key, v)
	}
	return n, nil
}

func paramInt64(params map[string]string, key string) (int64, error) {
	v, ok := params[key]
	if !ok || v == "" {
		return 0, fmt.Errorf("parameter %q is required", key)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parameter %q is not an integer: %q", key, v)
	}
	return n, nil
}

// ParseKeywordCrawlParams decodes and validates keyword_crawl parameters
func ParseKeywordCrawlParams(params map[string]string) (*KeywordCrawlParams, error) {
	keywordID, err := paramInt64(params, "keyword_id")
	if err != nil {
		return nil, err
	}
	limit, err := paramInt(params, "limit", 100)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	return &KeywordCrawlParams{KeywordID: keywordID, Limit: limit}, nil
}

// ParseTrendingCrawlParams decodes and validates trending_crawl parameters
func ParseTrendingCrawlParams(params map[string]string) (*TrendingCrawlParams, error) {
	limit, err := paramInt(params, "limit", 100)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	return &TrendingCrawlParams{Subreddit: params["subreddit"], Limit: limit}, nil
}

// ParseAllKeywordsCrawlParams decodes and validates all_keywords_crawl parameters
func ParseAllKeywordsCrawlParams(params map[string]string) (*AllKeywordsCrawlParams, error) {
	limit, err := paramInt(params, "limit", 50)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	return &AllKeywordsCrawlParams{Limit: limit}, nil
}

// ParseCommentsCrawlParams decodes and validates comments_crawl parameters
func ParseCommentsCrawlParams(params map[string]string) (*CommentsCrawlParams, error) {
	postID, ok := params["post_id"]
	if !ok || postID == "" {
		return nil, fmt.Errorf("parameter %q is required", "post_id")
	}
	depth, err := paramInt(params, "depth", 3)
	if err != nil {
		return nil, err
	}
	if depth <= 0 {
		return nil, fmt.Errorf("depth must be positive, got %d", depth)
	}
	return &CommentsCrawlParams{PostID: postID, Depth: depth}, nil
}
