package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		status int
		want   Class
	}{
		{200, ClassSuccess},
		{204, ClassSuccess},
		{502, ClassSuccess},
		{401, ClassAuthFailure},
		{403, ClassAuthFailure},
		{404, ClassNotFound},
		{409, ClassConflict},
		{412, ClassConflict},
		{429, ClassRateLimited},
		{500, ClassServerError},
		{503, ClassServerError},
		{422, ClassServerError},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.status, nil))
		})
	}

	assert.Equal(t, ClassConflict, Classify(422, []int{422}))
	assert.Equal(t, ClassServerError, Classify(409, []int{422}))
}

func TestErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("sync: %w", &Error{Class: ClassRateLimited, Op: "events", Status: 429, RetryAfter: 3 * time.Second})

	assert.ErrorIs(t, err, ErrRateLimited)
	assert.NotErrorIs(t, err, ErrServer)
	assert.True(t, Retryable(err))
	assert.Equal(t, 3*time.Second, RetryAfter(err))

	fatal := &Error{Class: ClassServerError, Op: "create", Status: 422, Fatal: true}
	assert.ErrorIs(t, fatal, ErrServer)
	assert.False(t, Retryable(fatal))
	assert.True(t, IsFatal(fatal))

	assert.False(t, Retryable(errors.New("plain")))
	assert.False(t, Retryable(&Error{Class: ClassConflict}))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 5*time.Second, ParseRetryAfter("5", now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("-1", now))
	assert.Equal(t, 10*time.Second, ParseRetryAfter(now.Add(10*time.Second).Format(http.TimeFormat), now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("soon", now))
}
