package shared

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stringHook struct {
	sb     strings.Builder
	closed bool
}

func (h *stringHook) WriteString(s string) (int, error) { return h.sb.WriteString(s) }

func (h *stringHook) Close() error {
	h.closed = true
	return nil
}

func TestNewPrinterValidation(t *testing.T) {
	_, err := NewPrinter("  ")
	assert.Error(t, err)

	_, err = NewPrinter("  ", nil)
	assert.Error(t, err)
}

func TestPrinterWriteln(t *testing.T) {
	hook := new(stringHook)
	p, err := NewPrinter("│  ", hook)
	require.NoError(t, err)

	require.NoError(t, p.Writeln("hello", 0))
	require.NoError(t, p.Writeln("indented", 1))
	assert.Equal(t, "hello\n│  indented\n", hook.sb.String())
}

func TestPrinterIndentsEveryLine(t *testing.T) {
	hook := new(stringHook)
	p, err := NewPrinter("  ", hook)
	require.NoError(t, err)

	require.NoError(t, p.Write("one\ntwo", 2))
	assert.Equal(t, "    one\n    two", hook.sb.String())
}

func TestPrinterFansOutToAllHooks(t *testing.T) {
	first, second := new(stringHook), new(stringHook)
	p, err := NewPrinter("", first, second)
	require.NoError(t, err)

	require.NoError(t, p.Writeln("both", 0))
	assert.Equal(t, "both\n", first.sb.String())
	assert.Equal(t, "both\n", second.sb.String())

	require.NoError(t, p.Close())
	assert.True(t, first.closed)
	assert.True(t, second.closed)
}
