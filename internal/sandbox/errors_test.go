package sandbox

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, Kind("")},
		{"not found", ErrNotFound, KindNotFound},
		{"unavailable", ErrUnavailable, KindUnavailable},
		{"permission", ErrPermissionDenied, KindPermission},
		{"image missing", ErrImageMissing, KindImageMissing},
		{"timeout", ErrTimeout, KindTimeout},
		{"wrapped unavailable", fmt.Errorf("create failed: %w", ErrUnavailable), KindUnavailable},
		{"unrecognized error", errors.New("something else"), KindInternal},
		{"internal sentinel", ErrInternal, KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
