package common

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCategory(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"nil", nil, CategoryNone},
		{"transport", &TransportError{Op: "pull", StatusCode: 502}, CategoryTransport},
		{"wrapped transport", fmt.Errorf("cycle: %w", &TransportError{Op: "push", Err: errors.New("refused")}), CategoryTransport},
		{"translation", &TranslationError{Table: "item", RecordID: "i1", Err: errors.New("bad json")}, CategoryTranslation},
		{"constraint", &ConstraintError{Table: "stock_line", ID: "s1", Reason: "missing item"}, CategoryConstraint},
		{"config", &ConfigError{Field: "sync.central_url", Reason: "required"}, CategoryConfig},
		{"timeout", &TimeoutError{Op: "wait integration", Elapsed: time.Second}, CategoryTimeout},
		{"plain", errors.New("boom"), CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Category(tt.err))
		})
	}
}

func TestTransportErrorUnwrap(t *testing.T) {
	inner := errors.New("connection reset")
	err := fmt.Errorf("pull batch: %w", &TransportError{Op: "pull", Err: inner})

	assert.True(t, IsTransport(err))
	assert.ErrorIs(t, err, inner)
	assert.False(t, IsTimeout(err))
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction("upsert")
	assert.NoError(t, err)
	assert.Equal(t, ActionUpsert, a)

	_, err = ParseAction("merge")
	assert.Error(t, err)
}
