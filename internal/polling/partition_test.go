package polling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consentgrid/internal/permission/models"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestPartition(t *testing.T) {
	t.Run("splits at the administrator span", func(t *testing.T) {
		got := Partition(day(2024, 1, 1), day(2024, 8, 1), 184)
		require.Len(t, got, 2)
		assert.Equal(t, Range{From: day(2024, 1, 1), To: day(2024, 7, 3)}, got[0])
		assert.Equal(t, Range{From: day(2024, 7, 3), To: day(2024, 8, 1)}, got[1])
		assert.Equal(t, 184, got[0].Days())
		assert.Equal(t, 29, got[1].Days())
	})

	t.Run("short range is one request", func(t *testing.T) {
		got := Partition(day(2024, 1, 1), day(2024, 1, 10), 184)
		assert.Equal(t, []Range{{From: day(2024, 1, 1), To: day(2024, 1, 10)}}, got)
	})

	t.Run("exact multiple has no empty tail", func(t *testing.T) {
		got := Partition(day(2024, 1, 1), day(2024, 1, 21), 10)
		require.Len(t, got, 2)
		assert.Equal(t, day(2024, 1, 21), got[1].To)
	})

	t.Run("ranges are contiguous", func(t *testing.T) {
		got := Partition(day(2023, 3, 15), day(2025, 2, 2), 31)
		require.NotEmpty(t, got)
		assert.Equal(t, day(2023, 3, 15), got[0].From)
		assert.Equal(t, day(2025, 2, 2), got[len(got)-1].To)
		for i := 1; i < len(got); i++ {
			assert.Equal(t, got[i-1].To, got[i].From)
			assert.LessOrEqual(t, got[i-1].Days(), 31)
		}
	})

	t.Run("empty or inverted range", func(t *testing.T) {
		assert.Nil(t, Partition(day(2024, 1, 1), day(2024, 1, 1), 10))
		assert.Nil(t, Partition(day(2024, 2, 1), day(2024, 1, 1), 10))
	})

	t.Run("no span limit", func(t *testing.T) {
		got := Partition(day(2020, 1, 1), day(2024, 1, 1), 0)
		assert.Len(t, got, 1)
	})
}

func TestOwedRange(t *testing.T) {
	start, end := day(2024, 1, 1), day(2024, 3, 1)
	req := &models.PermissionRequest{Start: &start, End: &end}

	t.Run("from start to now while open", func(t *testing.T) {
		r, ok := OwedRange(req, day(2024, 2, 1))
		require.True(t, ok)
		assert.Equal(t, Range{From: start, To: day(2024, 2, 1)}, r)
	})

	t.Run("capped at end", func(t *testing.T) {
		r, ok := OwedRange(req, day(2024, 6, 1))
		require.True(t, ok)
		assert.Equal(t, end, r.To)
	})

	t.Run("resumes at watermark", func(t *testing.T) {
		wm := day(2024, 2, 10)
		withWM := req.Clone()
		withWM.Watermark = &wm
		r, ok := OwedRange(withWM, day(2024, 6, 1))
		require.True(t, ok)
		assert.Equal(t, wm, r.From)
	})

	t.Run("nothing owed once complete", func(t *testing.T) {
		done := req.Clone()
		done.Watermark = &end
		_, ok := OwedRange(done, day(2024, 6, 1))
		assert.False(t, ok)
	})

	t.Run("nothing owed before start", func(t *testing.T) {
		_, ok := OwedRange(req, day(2023, 12, 1))
		assert.False(t, ok)
	})
}
