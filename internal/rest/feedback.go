package rest

import (
	"context"
	"fmt"
	"strings"
	"time"

	convErrors "github.com/harunnryd/convstream/internal/errors"
)

type Rating string

const (
	RatingPositive Rating = "positive"
	RatingNegative Rating = "negative"
)

// ParseRating accepts positive/negative and the up/down shorthands.
func ParseRating(s string) (Rating, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "positive", "up", "+":
		return RatingPositive, nil
	case "negative", "down", "-":
		return RatingNegative, nil
	default:
		return "", convErrors.InvalidInput(fmt.Sprintf("unknown rating %q", s))
	}
}

type Feedback struct {
	ExchangeID string `json:"exchangeId" yaml:"exchangeId"`
	Rating     Rating `json:"rating" yaml:"rating"`
	Comment    string `json:"comment,omitempty" yaml:"comment,omitempty"`
}

// SubmitFeedback rates one exchange. It is independent of any live session.
func (c *Client) SubmitFeedback(ctx context.Context, fb Feedback) error {
	if fb.ExchangeID == "" {
		return convErrors.InvalidInput("exchange id is required")
	}
	if fb.Rating != RatingPositive && fb.Rating != RatingNegative {
		return convErrors.InvalidInput(fmt.Sprintf("unknown rating %q", fb.Rating))
	}

	started := time.Now()
	resp, err := c.request(ctx).SetBody(fb).Post("/feedback")
	return check("submit_feedback", started, resp, err)
}
