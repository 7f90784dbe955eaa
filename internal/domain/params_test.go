package domain_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/internal/domain"
)

func TestUpdateTaskParams_Validate(t *testing.T) {
	t.Run("empty mask rejected", func(t *testing.T) {
		err := domain.UpdateTaskParams{}.Validate()
		require.ErrorIs(t, err, domain.ErrEmptyUpdateMask)
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		err := domain.UpdateTaskParams{UpdateMask: []string{"status"}}.Validate()
		require.ErrorIs(t, err, domain.ErrUnknownField)
	})

	t.Run("title in mask requires value", func(t *testing.T) {
		err := domain.UpdateTaskParams{UpdateMask: []string{"title"}}.Validate()
		require.ErrorIs(t, err, domain.ErrTitleRequired)
	})

	t.Run("valid partial update", func(t *testing.T) {
		title := "New title"
		err := domain.UpdateTaskParams{UpdateMask: []string{"title", "tags"}, Title: &title, Tags: []string{"x"}}.Validate()
		require.NoError(t, err)
	})
}
