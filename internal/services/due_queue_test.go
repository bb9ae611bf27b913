package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDueQueue(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q := NewDueQueue()

	q.Schedule("VT_C", base.Add(2*time.Minute))
	q.Schedule("VT_A", base)
	q.Schedule("VT_B", base)
	q.Schedule("VT_D", base.Add(time.Hour))
	assert.Equal(t, 4, q.Len())

	due, ok := q.DueAt("VT_C")
	assert.True(t, ok)
	assert.Equal(t, base.Add(2*time.Minute), due)

	t.Run("pops only due entries in order", func(t *testing.T) {
		assert.Equal(t, []string{"VT_A", "VT_B"}, q.PopDue(base.Add(time.Minute)))
		assert.Empty(t, q.PopDue(base.Add(time.Minute)))
		assert.Equal(t, 2, q.Len())
	})

	t.Run("reschedule moves an entry", func(t *testing.T) {
		q.Schedule("VT_D", base.Add(time.Minute))
		due, ok := q.DueAt("VT_D")
		assert.True(t, ok)
		assert.Equal(t, base.Add(time.Minute), due)
		assert.Equal(t, 2, q.Len())
		assert.Equal(t, []string{"VT_D", "VT_C"}, q.PopDue(base.Add(2*time.Minute)))
	})

	t.Run("remove disarms", func(t *testing.T) {
		q.Schedule("VT_A", base)
		q.Schedule("VT_B", base)
		q.Remove("VT_A")
		q.Remove("VT_MISSING")
		_, ok := q.DueAt("VT_A")
		assert.False(t, ok)
		assert.Equal(t, []string{"VT_B"}, q.PopDue(base))
		assert.Equal(t, 0, q.Len())
	})
}
