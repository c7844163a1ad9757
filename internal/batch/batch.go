// Package batch is the pure function that resolves filenames to domains,
// groups them, caps each group at BATCH_MAX, and selects groups to fill
// remaining queue capacity.
package batch

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/kopilin/inboxsink/internal/message"
)

// BatchMax is the maximum number of files in one batch.
const BatchMax = 50

// Batch is the unit enqueued, dequeued, and processed atomically.
type Batch struct {
	Domain    string
	FilePaths []string
}

// Failure is a file whose domain could not be resolved by any of the
// three strategies; it is routed directly to buggy/ without enqueuing.
type Failure struct {
	FilePath string
	Reason   string
}

var (
	domainHintPattern = regexp.MustCompile(`(?:^|[_.])domain=([^_]+)`)
	atHintPattern     = regexp.MustCompile(`@([A-Za-z0-9.-]+)`)
)

// ResolveDomain applies the filename-hint-then-JSON-fallback algorithm to a
// single file. readFile is injected so callers can avoid re-reading the
// file twice (it's also needed for parse failures).
func ResolveDomain(filename string, readFile func() ([]byte, error)) (domain string, ok bool) {
	base := filepath.Base(filename)

	if m := domainHintPattern.FindStringSubmatch(base); len(m) == 2 && m[1] != "" {
		return m[1], true
	}
	if m := atHintPattern.FindStringSubmatch(base); len(m) == 2 && m[1] != "" {
		return strings.TrimSuffix(m[1], ".json"), true
	}

	data, err := readFile()
	if err != nil {
		return "", false
	}
	msg, err := message.Parse(data)
	if err != nil {
		return "", false
	}
	return msg.Domain, true
}

// Build runs the full batcher algorithm: resolve every filename's domain,
// group by domain, chunk at BatchMax, then greedily select chunks
// (largest-first, ties broken by domain name) to fill the given queue
// capacity. capacity counts batch slots, not files: the work queue is a
// bounded FIFO of batches, not of individual files.
func Build(filenames []string, dir string, capacity int) (selected []Batch, deferred []Batch, failures []Failure) {
	groups := make(map[string][]string)

	for _, name := range filenames {
		full := filepath.Join(dir, name)
		domain, ok := ResolveDomain(name, func() ([]byte, error) { return os.ReadFile(full) })
		if !ok {
			failures = append(failures, Failure{FilePath: full, Reason: "cannot resolve domain from filename or JSON"})
			continue
		}
		groups[domain] = append(groups[domain], full)
	}

	var allChunks []Batch
	for domain, paths := range groups {
		sort.Strings(paths)
		for i := 0; i < len(paths); i += BatchMax {
			end := i + BatchMax
			if end > len(paths) {
				end = len(paths)
			}
			allChunks = append(allChunks, Batch{Domain: domain, FilePaths: paths[i:end]})
		}
	}

	sort.Slice(allChunks, func(i, j int) bool {
		if len(allChunks[i].FilePaths) != len(allChunks[j].FilePaths) {
			return len(allChunks[i].FilePaths) > len(allChunks[j].FilePaths)
		}
		return allChunks[i].Domain < allChunks[j].Domain
	})

	for i, chunk := range allChunks {
		if i < capacity {
			selected = append(selected, chunk)
		} else {
			deferred = append(deferred, chunk)
		}
	}

	return selected, deferred, failures
}
