package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"bay/internal/apierr"
)

func TestValidatePathRejectsEmpty(t *testing.T) {
	err := validatePath("")
	assert.Error(t, err)
	assert.Equal(t, apierr.CodeInvalidPath, apierr.CodeOf(err))
}

func TestValidatePathRejectsAbsolute(t *testing.T) {
	err := validatePath("/etc/passwd")
	assert.Equal(t, apierr.CodeInvalidPath, apierr.CodeOf(err))
}

func TestValidatePathRejectsTraversal(t *testing.T) {
	for _, p := range []string{"../secret", "a/../../b", "a/b/../../../c"} {
		err := validatePath(p)
		assert.Equal(t, apierr.CodeInvalidPath, apierr.CodeOf(err), "path %q should be rejected", p)
	}
}

func TestValidatePathAcceptsRelative(t *testing.T) {
	for _, p := range []string{"a.txt", "dir/file.txt", "a/b/c.py"} {
		assert.NoError(t, validatePath(p))
	}
}

func TestSplitPath(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c.txt"}, splitPath("a/b/c.txt"))
	assert.Equal(t, []string{"a"}, splitPath("a"))
	assert.Nil(t, splitPath(""))
	assert.Equal(t, []string{"a", "b"}, splitPath("a/b/"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", truncate("hello", 10))
	assert.Equal(t, "hel", truncate("hello", 3))
	assert.Equal(t, "", truncate("", 3))
}

func TestBuildAdapterUnknownKind(t *testing.T) {
	_, err := BuildAdapter("unknown", "http://localhost:1234")
	assert.Error(t, err)
	assert.Equal(t, apierr.CodeInternal, apierr.CodeOf(err))
}
