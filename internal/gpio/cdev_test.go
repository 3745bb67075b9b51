package gpio

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warthog618/go-gpiocdev"
	"go.uber.org/zap"

	"raw-uart-service/internal/uart"
)

type fakeLine struct {
	mu       sync.Mutex
	offset   int
	values   []int
	reconfig int
	closed   bool
}

func (f *fakeLine) SetValue(v int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values = append(f.values, v)
	return nil
}

func (f *fakeLine) Reconfigure(options ...gpiocdev.LineConfigOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconfig++
	return nil
}

func (f *fakeLine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeChip struct {
	lines map[int]*fakeLine
	fail  int
}

func (c *fakeChip) request(chip string, offset int, options ...gpiocdev.LineReqOption) (line, error) {
	if offset == c.fail {
		return nil, errors.New("device or resource busy")
	}
	l := &fakeLine{offset: offset}
	c.lines[offset] = l
	return l, nil
}

func newFakeChip() *fakeChip {
	return &fakeChip{lines: make(map[int]*fakeLine), fail: -1}
}

func TestOpenRequestsConfiguredLines(t *testing.T) {
	chip := newFakeChip()
	d, err := open(&Config{
		Chip:  "gpiochip0",
		Lines: map[uart.Line]int{uart.LineReset: 17, uart.LineRed: 5},
	}, chip.request, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, uart.LineReset.Mask()|uart.LineRed.Mask(), d.Lines())
	assert.Len(t, chip.lines, 2)

	require.NoError(t, d.WriteLines(uart.LineRed.Mask()|uart.LineGreen.Mask(), uart.LineRed.Mask()))
	assert.Equal(t, []int{1}, chip.lines[5].values)
	assert.Empty(t, chip.lines[17].values)

	require.NoError(t, d.Close())
	assert.True(t, chip.lines[5].closed)
	assert.True(t, chip.lines[17].closed)
	assert.Zero(t, d.Lines())
}

func TestOpenFailureReleasesLines(t *testing.T) {
	chip := newFakeChip()
	chip.fail = 17
	_, err := open(&Config{
		Chip:  "gpiochip0",
		Lines: map[uart.Line]int{uart.LineRed: 5, uart.LineReset: 17},
	}, chip.request, zap.NewNop())
	require.Error(t, err)
	assert.True(t, chip.lines[5].closed)

	_, err = open(&Config{}, chip.request, zap.NewNop())
	assert.Error(t, err)
}

func TestReleaseAndRedrive(t *testing.T) {
	chip := newFakeChip()
	d, err := open(&Config{
		Chip:  "gpiochip0",
		Lines: map[uart.Line]int{uart.LineReset: 17},
	}, chip.request, zap.NewNop())
	require.NoError(t, err)
	reset := chip.lines[17]

	require.NoError(t, d.ReleaseLine(uart.LineReset))
	assert.Equal(t, 1, reset.reconfig)

	// The first write after a release switches back to output.
	require.NoError(t, d.WriteLines(uart.LineReset.Mask(), 0))
	assert.Equal(t, 2, reset.reconfig)
	assert.Empty(t, reset.values)

	require.NoError(t, d.WriteLines(uart.LineReset.Mask(), uart.LineReset.Mask()))
	assert.Equal(t, []int{1}, reset.values)

	assert.ErrorIs(t, d.ReleaseLine(uart.LineBlue), uart.ErrUnsupported)
}

func TestPulseResetThroughController(t *testing.T) {
	chip := newFakeChip()
	d, err := open(&Config{
		Chip:  "gpiochip0",
		Lines: map[uart.Line]int{uart.LineReset: 17},
	}, chip.request, zap.NewNop())
	require.NoError(t, err)

	gc := uart.NewGpioController(d, 0, zap.NewNop())
	defer gc.Close()
	require.True(t, gc.Has(uart.LineReset))

	require.NoError(t, gc.PulseReset(t.Context(), uart.LineReset))
	reset := chip.lines[17]
	assert.Equal(t, []int{0, 1}, reset.values)
	assert.Equal(t, 1, reset.reconfig)
}
