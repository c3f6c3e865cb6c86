package r2_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/benbjohnson/pimp/r2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipe_Cmd(t *testing.T) {
	var w bytes.Buffer
	p := r2.NewPipe(strings.NewReader("0x1000\n\x00  hello  \x00"), &w)

	out, err := p.Cmd("s")
	require.NoError(t, err)
	assert.Equal(t, "0x1000", out)

	out, err = p.Cmd("?e hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	assert.Equal(t, "s\n?e hello\n", w.String())
}

func TestPipe_Cmd_EOF(t *testing.T) {
	p := r2.NewPipe(strings.NewReader("partial"), &bytes.Buffer{})
	_, err := p.Cmd("s")
	require.Error(t, err)
}

func TestPipe_Cmdj(t *testing.T) {
	p := r2.NewPipe(strings.NewReader(`{"rip":4096,"rax":65}`+"\x00\x00"), &bytes.Buffer{})

	var regs map[string]uint64
	require.NoError(t, p.Cmdj("drj", &regs))
	assert.Equal(t, map[string]uint64{"rip": 4096, "rax": 65}, regs)

	// Empty output leaves the value untouched.
	var maps []int
	require.NoError(t, p.Cmdj("dmj", &maps))
	assert.Nil(t, maps)
}

func TestPipe_Cmdj_Invalid(t *testing.T) {
	p := r2.NewPipe(strings.NewReader("not json\x00"), &bytes.Buffer{})
	var v map[string]interface{}
	require.Error(t, p.Cmdj("ij", &v))
}

func TestPipe_Close(t *testing.T) {
	p := r2.NewPipe(strings.NewReader(""), &bytes.Buffer{})
	require.NoError(t, p.Close())
}

func TestIsEnvAvailable(t *testing.T) {
	t.Setenv("R2PIPE_IN", "")
	t.Setenv("R2PIPE_OUT", "")
	assert.False(t, r2.IsEnvAvailable())

	t.Setenv("R2PIPE_IN", "3")
	t.Setenv("R2PIPE_OUT", "4")
	assert.True(t, r2.IsEnvAvailable())
}
