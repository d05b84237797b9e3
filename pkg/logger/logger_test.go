// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/toolhive-core/env/mocks"
	"github.com/stacklok/toolhive-core/logging"
)

func TestUnstructuredLogsWithEnv(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		envValue string
		expected bool
	}{
		{"unset", "", true},
		{"true", "true", true},
		{"false", "false", false},
		{"garbage", "nope", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctrl := gomock.NewController(t)

			mockEnv := mocks.NewMockReader(ctrl)
			mockEnv.EXPECT().Getenv(UnstructuredLogsEnvVar).Return(tt.envValue)

			assert.Equal(t, tt.expected, unstructuredLogsWithEnv(mockEnv))
		})
	}
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := Get()
	Set(logging.New(logging.WithOutput(&buf), logging.WithLevel(slog.LevelDebug)))
	t.Cleanup(func() { Set(prev) })
	return &buf
}

func TestHelpersWriteToProcessLogger(t *testing.T) { //nolint:paralleltest // mutates process logger
	tests := []struct {
		name     string
		logFn    func()
		contains string
	}{
		{"Debugw", func() { Debugw("debug kv", "key", "val") }, "debug kv"},
		{"Debugf", func() { Debugf("debug %d", 1) }, "debug 1"},
		{"Infow", func() { Infow("info kv", "key", "val") }, "info kv"},
		{"Infof", func() { Infof("info %s", "formatted") }, "info formatted"},
		{"Warnw", func() { Warnw("warn kv", "key", "val") }, "warn kv"},
		{"Warnf", func() { Warnf("warn %s", "formatted") }, "warn formatted"},
		{"Errorw", func() { Errorw("error kv", "key", "val") }, "error kv"},
		{"Errorf", func() { Errorf("error %s", "formatted") }, "error formatted"},
	}

	for _, tc := range tests { //nolint:paralleltest // mutates process logger
		t.Run(tc.name, func(t *testing.T) {
			buf := captureLogs(t)
			tc.logFn()
			assert.Contains(t, buf.String(), tc.contains)
		})
	}
}

func TestFromContext(t *testing.T) { //nolint:paralleltest // mutates process logger
	buf := captureLogs(t)

	FromContext(context.Background()).Info("fallback")
	assert.Contains(t, buf.String(), "fallback")

	var scoped bytes.Buffer
	l := slog.New(slog.NewTextHandler(&scoped, nil)).With("request_id", "r-1")
	ctx := WithContext(context.Background(), l)

	FromContext(ctx).Info("scoped")
	assert.Contains(t, scoped.String(), "request_id=r-1")
	assert.NotContains(t, buf.String(), "scoped")
}

func TestInitializeWithEnv(t *testing.T) { //nolint:paralleltest // mutates process logger
	for _, value := range []string{"", "true", "false"} { //nolint:paralleltest // mutates process logger
		t.Run("env="+value, func(t *testing.T) {
			prev := Get()
			t.Cleanup(func() { Set(prev) })

			ctrl := gomock.NewController(t)
			mockEnv := mocks.NewMockReader(ctrl)
			mockEnv.EXPECT().Getenv(UnstructuredLogsEnvVar).Return(value)

			InitializeWithEnv(mockEnv)

			got := Get()
			require.NotNil(t, got)
			assert.NotSame(t, prev, got)
		})
	}
}
