package transfer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompilePathTemplate_Apply(t *testing.T) {
	tpl, err := CompilePathTemplate("{dir[0]}/{filename}")
	require.NoError(t, err)

	out, err := tpl.Apply(Vars{Key: "raw/orders/a/b/c.txt", Rel: "a/b/c.txt"})
	require.NoError(t, err)
	assert.Equal(t, "a/c.txt", out)
}

func TestCompilePathTemplate_Default(t *testing.T) {
	tpl, err := CompilePathTemplate("")
	require.NoError(t, err)

	out, err := tpl.Apply(Vars{Key: "raw/orders/a/c.txt", Rel: "a/c.txt", Partition: "2024-01"})
	require.NoError(t, err)
	assert.Equal(t, "2024-01/a/c.txt", out)

	out, err = tpl.Apply(Vars{Key: "raw/orders/c.txt", Rel: "c.txt"})
	require.NoError(t, err)
	assert.Equal(t, "c.txt", out, "empty partition collapses")
}

func TestCompilePathTemplate_AllPlaceholders(t *testing.T) {
	tpl, err := CompilePathTemplate("{source}/{partition}/{key}")
	require.NoError(t, err)
	out, err := tpl.Apply(Vars{Key: "raw/x.json", Rel: "x.json", Partition: "p", Source: "s"})
	require.NoError(t, err)
	assert.Equal(t, "s/p/raw/x.json", out)
}

func TestCompilePathTemplate_InvalidPlaceholder(t *testing.T) {
	_, err := CompilePathTemplate("{capture:.*}")
	require.Error(t, err)

	_, err = CompilePathTemplate("{rel")
	require.Error(t, err)
}

func TestPathTemplate_DirOutOfRange(t *testing.T) {
	tpl, err := CompilePathTemplate("{dir[2]}/{filename}")
	require.NoError(t, err)

	_, err = tpl.Apply(Vars{Key: "a/b.txt", Rel: "a/b.txt"})
	require.Error(t, err)
}

func TestPathTemplate_EmptyResult(t *testing.T) {
	tpl, err := CompilePathTemplate("{partition}/")
	require.NoError(t, err)
	_, err = tpl.Apply(Vars{Key: "a", Rel: "a"})
	require.Error(t, err)
}
