package rvbuild

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ulikunitz/xz"
)

// buildLog captures the output of one pipeline stage under host-tools/logs.
type buildLog struct {
	Path   string
	file   *os.File
	closed bool
}

// openBuildLog creates (or truncates) <logs>/<name>.log.
func openBuildLog(layout Layout, name string) (*buildLog, error) {
	if err := os.MkdirAll(layout.Logs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	path := filepath.Join(layout.Logs, name+".log")
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create log %s: %w", path, err)
	}
	return &buildLog{Path: path, file: f}, nil
}

// Writer returns the log sink, mirrored to stdout in verbose mode.
func (l *buildLog) Writer() io.Writer {
	if Verbose {
		return io.MultiWriter(l.file, os.Stdout)
	}
	return l.file
}

func (l *buildLog) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}

// Compress closes the log and replaces it with <name>.log.xz.
// Failed stages keep the plain log so it can be read with any tool.
func (l *buildLog) Compress() (string, error) {
	if err := l.Close(); err != nil {
		return "", err
	}
	src, err := os.Open(l.Path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	destPath := l.Path + ".xz"
	dest, err := os.Create(destPath)
	if err != nil {
		return "", err
	}
	xzWriter, err := xz.NewWriter(dest)
	if err != nil {
		dest.Close()
		return "", err
	}
	if _, err := io.Copy(xzWriter, src); err != nil {
		xzWriter.Close()
		dest.Close()
		return "", fmt.Errorf("failed to compress %s: %w", l.Path, err)
	}
	if err := xzWriter.Close(); err != nil {
		dest.Close()
		return "", err
	}
	if err := dest.Close(); err != nil {
		return "", err
	}
	return destPath, os.Remove(l.Path)
}

// listLogs returns every log in dir, newest first.
func listLogs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	type logFile struct {
		path  string
		mtime int64
	}
	var logs []logFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !(strings.HasSuffix(name, ".log") || strings.HasSuffix(name, ".log.xz")) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		logs = append(logs, logFile{filepath.Join(dir, name), info.ModTime().UnixNano()})
	}
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].mtime != logs[j].mtime {
			return logs[i].mtime > logs[j].mtime
		}
		return logs[i].path < logs[j].path
	})
	out := make([]string, len(logs))
	for i, l := range logs {
		out[i] = l.path
	}
	return out, nil
}

// readLogLines returns the lines of a plain or xz-compressed log.
func readLogLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".xz") {
		xr, err := xz.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("error creating xz reader: %w", err)
		}
		r = xr
	}

	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}
