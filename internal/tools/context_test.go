package tools

import (
	"context"
	"testing"
)

func TestConversationIDFromContext(t *testing.T) {
	tests := []struct {
		name string
		ctx  context.Context
		want string
	}{
		{"default when unset", context.Background(), "default"},
		{"round trip", WithConversationID(context.Background(), "conv-123"), "conv-123"},
		{"empty string returns default", WithConversationID(context.Background(), ""), "default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ConversationIDFromContext(tt.ctx)
			if got != tt.want {
				t.Errorf("ConversationIDFromContext() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRequestIDFromContext(t *testing.T) {
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Errorf("unset = %q, want empty", got)
	}
	ctx := WithRequestID(WithConversationID(context.Background(), "c"), "r-1")
	if got := RequestIDFromContext(ctx); got != "r-1" {
		t.Errorf("RequestIDFromContext = %q, want r-1", got)
	}
	if got := ConversationIDFromContext(ctx); got != "c" {
		t.Errorf("conversation ID lost: %q", got)
	}
}
