// Copyright 2026 The Veilfs Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// fakeToolScript emulates the external encryption program closely
// enough for pipeline and overlay tests: encryption wraps stdin in an
// armored block (base64 between BEGIN/END markers), decryption strips
// the armor, and list-keys accepts any recipient containing an '@'.
// Like the real program, the decrypt path mishandles concatenated
// blocks in a single invocation (base64 decoding stops at the first
// padding), which is exactly the behavior the chunked loader works
// around.
const fakeToolScript = `#!/bin/sh
mode="$1"
case "$mode" in
  -ae)
    printf -- '-----BEGIN PGP MESSAGE-----\n'
    base64
    printf -- '-----END PGP MESSAGE-----\n'
    ;;
  -d)
    grep -v -- '^-----' | base64 -d
    ;;
  --list-keys)
    case "$2" in
      *@*) exit 0 ;;
      *) exit 1 ;;
    esac
    ;;
  *)
    exit 2
    ;;
esac
`

// FakeTool writes an executable stand-in for the external encryption
// program into a test temp directory and returns its path.
func FakeTool(t *testing.T) string {
	t.Helper()
	return writeScript(t, "fake-gpg", fakeToolScript)
}

// FailingTool writes a stand-in that exits nonzero for every mode,
// for exercising subprocess failure paths.
func FailingTool(t *testing.T) string {
	t.Helper()
	return writeScript(t, "failing-gpg", "#!/bin/sh\nexit 1\n")
}

func writeScript(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}
