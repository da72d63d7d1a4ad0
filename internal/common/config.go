package common

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/c2h5oh/datasize"
)

// Config holds the tunables every subsystem constructor needs. It is
// populated by ParseProperties from a simple "key = value" properties
// file — the corpus has no YAML/TOML/viper dependency anywhere, so this
// parser stays on the standard library (see SPEC_FULL.md).
type Config struct {
	PageSize        datasize.ByteSize
	BufferPoolPages int
	LogBufferSize   datasize.ByteSize
	LogFileSize     datasize.ByteSize
	LogGroupFiles   int
	CheckpointEvery datasize.ByteSize
	DataDir         string
	LogDir          string
	ArchiveDir      string
	Debug           bool
}

// DefaultConfig returns sane defaults for local development and tests.
func DefaultConfig() Config {
	return Config{
		PageSize:        8 * datasize.KB,
		BufferPoolPages: 256,
		LogBufferSize:   64 * datasize.KB,
		LogFileSize:     1 * datasize.MB,
		LogGroupFiles:   3,
		CheckpointEvery: 4 * datasize.MB,
		DataDir:         "data",
		LogDir:          "log",
		ArchiveDir:      "archive",
		Debug:           false,
	}
}

// ParseProperties reads "key = value" lines, skipping blanks and lines
// starting with '#', and overlays them on DefaultConfig.
func ParseProperties(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if err := applyProperty(&cfg, key, value); err != nil {
			return cfg, Wrapf(err, "parsing property %q", key)
		}
	}
	if err := scanner.Err(); err != nil {
		return cfg, Wrap(err, "reading properties")
	}
	return cfg, nil
}

func applyProperty(cfg *Config, key, value string) error {
	switch key {
	case "page.size":
		var sz datasize.ByteSize
		if err := sz.UnmarshalText([]byte(value)); err != nil {
			return err
		}
		cfg.PageSize = sz
	case "buffer.pool.pages":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.BufferPoolPages = n
	case "log.buffer.size":
		var sz datasize.ByteSize
		if err := sz.UnmarshalText([]byte(value)); err != nil {
			return err
		}
		cfg.LogBufferSize = sz
	case "log.file.size":
		var sz datasize.ByteSize
		if err := sz.UnmarshalText([]byte(value)); err != nil {
			return err
		}
		cfg.LogFileSize = sz
	case "log.group.files":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.LogGroupFiles = n
	case "checkpoint.every":
		var sz datasize.ByteSize
		if err := sz.UnmarshalText([]byte(value)); err != nil {
			return err
		}
		cfg.CheckpointEvery = sz
	case "data.dir":
		cfg.DataDir = value
	case "log.dir":
		cfg.LogDir = value
	case "archive.dir":
		cfg.ArchiveDir = value
	case "debug":
		cfg.Debug = value == "true"
	}
	return nil
}
