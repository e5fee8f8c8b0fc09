package record

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

var shot = Row{
	DensityMean:     3.405731470086084e15,
	DensityStd:      1.2e13,
	TemperatureMean: 7.213475204444817,
	TemperatureStd:  0.25,
	Tag:             "12.50",
}

func TestLineFormat(t *testing.T) {
	assert.Equal(t, "3.4057e+15,1.2000e+13,7.2135e+00,2.5000e-01,12.50\n", shot.Line())
}

func TestParseLine(t *testing.T) {
	r, err := ParseLine(shot.Line())
	require.NoError(t, err)
	assert.InEpsilon(t, shot.DensityMean, r.DensityMean, 1e-4)
	assert.InEpsilon(t, shot.TemperatureMean, r.TemperatureMean, 1e-4)
	assert.Equal(t, "12.50", r.Tag)

	r, err = ParseLine("1.0e+00,2.0e+00,3.0e+00,4.0e+00,left, shot 3")
	require.NoError(t, err)
	assert.Equal(t, "left, shot 3", r.Tag)

	for _, bad := range []string{"", "1,2,3", "1,x,3,4,tag"} {
		_, err = ParseLine(bad)
		assert.ErrorIs(t, err, ErrBadLine, bad)
	}
}

func TestCSVLogAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.txt")
	for i := 0; i < 2; i++ {
		l, err := OpenCSVLog(path)
		require.NoError(t, err)
		r := shot
		r.Tag = fmt.Sprint(i)
		require.NoError(t, l.Record(context.Background(), r))
		require.NoError(t, l.Close())
	}
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := ReadAll(f)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "0", rows[0].Tag)
	assert.Equal(t, "1", rows[1].Tag)
}

func TestCSVLogConcurrentLinesIntact(t *testing.T) {
	var sb strings.Builder
	l := NewCSVLog(&sb)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := shot
			r.Tag = fmt.Sprintf("shot-%d", i)
			assert.NoError(t, l.Record(context.Background(), r))
		}(i)
	}
	wg.Wait()
	rows, err := ReadAll(strings.NewReader(sb.String()))
	require.NoError(t, err)
	assert.Len(t, rows, 50)
}

func TestRejectsMultilineTag(t *testing.T) {
	var sb strings.Builder
	r := shot
	r.Tag = "a\nb"
	assert.ErrorIs(t, NewCSVLog(&sb).Record(context.Background(), r), ErrBadTag)
	assert.Empty(t, sb.String())
}

func TestSQLiteRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "probe.db")
	ctx := context.Background()

	first, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, first.Record(ctx, shot))
	second := shot
	second.Tag = "13.00"
	require.NoError(t, first.Record(ctx, second))
	require.NoError(t, first.Close())

	again, err := OpenSQLite(path)
	require.NoError(t, err)
	defer again.Close()
	assert.NotEqual(t, first.RunID, again.RunID)
	require.NoError(t, again.Record(ctx, shot))

	rows, err := again.Rows(ctx, first.RunID)
	require.NoError(t, err)
	assert.Equal(t, []Row{shot, second}, rows)

	runs, err := again.Runs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{first.RunID, again.RunID}, runs)
}

type failing struct{ err error }

func (f failing) Record(context.Context, Row) error { return f.err }

type counting struct{ n int }

func (c *counting) Record(context.Context, Row) error { c.n++; return nil }

func TestMultiAttemptsAll(t *testing.T) {
	e1, e2 := errors.New("disk full"), errors.New("locked")
	c := &counting{}
	m := Multi{failing{e1}, c, failing{e2}}
	err := m.Record(context.Background(), shot)
	assert.Equal(t, 1, c.n)
	assert.ErrorIs(t, err, e1)
	assert.ErrorIs(t, err, e2)
	assert.Len(t, multierr.Errors(err), 2)
	assert.NoError(t, m.Close())
}
