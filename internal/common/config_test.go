package common

import (
	"errors"
	"strings"
	"testing"

	"github.com/c2h5oh/datasize"
)

func TestParseProperties(t *testing.T) {
	input := `
# a comment
page.size = 16KB
buffer.pool.pages = 512
log.file.size = 4MB
data.dir = /tmp/simpledbm/data
debug = true
`
	cfg, err := ParseProperties(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseProperties: %v", err)
	}
	if cfg.PageSize != 16*datasize.KB {
		t.Errorf("PageSize = %v, want 16KB", cfg.PageSize)
	}
	if cfg.BufferPoolPages != 512 {
		t.Errorf("BufferPoolPages = %d, want 512", cfg.BufferPoolPages)
	}
	if cfg.LogFileSize != 4*datasize.MB {
		t.Errorf("LogFileSize = %v, want 4MB", cfg.LogFileSize)
	}
	if cfg.DataDir != "/tmp/simpledbm/data" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if !cfg.Debug {
		t.Errorf("Debug = false, want true")
	}
	// Unspecified fields keep their default.
	if cfg.LogGroupFiles != DefaultConfig().LogGroupFiles {
		t.Errorf("LogGroupFiles changed unexpectedly: %d", cfg.LogGroupFiles)
	}
}

func TestClassify(t *testing.T) {
	wrapped := Wrap(ErrKeyNotFound, "looking up row 42")
	if got := Classify(wrapped); got != KindKeyNotFound {
		t.Errorf("Classify = %v, want KindKeyNotFound", got)
	}
	if got := Classify(errors.New("unrelated")); got != KindNone {
		t.Errorf("Classify(unrelated) = %v, want KindNone", got)
	}
}
