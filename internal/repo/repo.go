// Package repo manages the on-disk layout of a live planet store: the
// settings sidecar, the append-only filelist of base and diff archives, and
// fetching replication state and change files from a remote source.
package repo

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/renameio"
	"golang.org/x/xerrors"
)

// Settings is persisted as <root>/settings.json.
type Settings struct {
	InitialState  int64  `json:"initial_state"`
	DiffsLocation string `json:"diffs_location"`
	SourcePrefix  string `json:"source_prefix"`
	RoundTime     bool   `json:"round_time"`
}

// A FilelistEntry names one archive of the store, in apply order.
type FilelistEntry struct {
	Filename string `json:"filename"`
	EndDate  string `json:"end_date"`
	NumTiles int    `json:"num_tiles"`
	State    int64  `json:"state"`
}

func settingsPath(root string) string {
	return filepath.Join(root, "settings.json")
}

func filelistPath(root string) string {
	return filepath.Join(root, "filelist.json")
}

func ReadSettings(root string) (*Settings, error) {
	data, err := os.ReadFile(settingsPath(root))
	if err != nil {
		return nil, err
	}
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, xerrors.Errorf("settings.json: %w", err)
	}
	return &s, nil
}

func WriteSettings(root string, s *Settings) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(settingsPath(root), append(data, '\n'), 0644)
}

func ReadFilelist(root string) ([]FilelistEntry, error) {
	data, err := os.ReadFile(filelistPath(root))
	if err != nil {
		return nil, err
	}
	var fl []FilelistEntry
	if err := json.Unmarshal(data, &fl); err != nil {
		return nil, xerrors.Errorf("filelist.json: %w", err)
	}
	return fl, nil
}

func WriteFilelist(root string, fl []FilelistEntry) error {
	data, err := json.MarshalIndent(fl, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(filelistPath(root), append(data, '\n'), 0644)
}

// AppendFilelist re-reads, appends and rewrites atomically.
func AppendFilelist(root string, entry FilelistEntry) error {
	fl, err := ReadFilelist(root)
	if err != nil {
		return err
	}
	return WriteFilelist(root, append(fl, entry))
}

// DropLast removes the newest entry. Dropping the base archive is refused.
func DropLast(root string) (FilelistEntry, error) {
	fl, err := ReadFilelist(root)
	if err != nil {
		return FilelistEntry{}, err
	}
	if len(fl) <= 1 {
		return FilelistEntry{}, xerrors.Errorf("filelist has %d entries, nothing to drop", len(fl))
	}
	last := fl[len(fl)-1]
	if err := WriteFilelist(root, fl[:len(fl)-1]); err != nil {
		return FilelistEntry{}, err
	}
	return last, nil
}

// State is one replication state.txt: a sequence number and its timestamp.
type State struct {
	Sequence  int64
	Timestamp string
}

// ParseState reads the newline-separated key=value form of state.txt.
func ParseState(r io.Reader) (*State, error) {
	res := &State{Sequence: -1}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "sequenceNumber":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return nil, xerrors.Errorf("state.txt: sequenceNumber: %w", err)
			}
			res.Sequence = n
		case "timestamp":
			// timestamps are stored with escaped colons
			res.Timestamp = strings.ReplaceAll(val, "\\:", ":")
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if res.Sequence < 0 {
		return nil, xerrors.New("state.txt: no sequenceNumber")
	}
	return res, nil
}

// FetchState downloads <source>state.txt, or <source><seqPath(seq)>.state.txt
// when seq is non-negative.
func FetchState(source string, seq int64) (*State, error) {
	url := source + "state.txt"
	if seq >= 0 {
		url = fmt.Sprintf("%s%s.state.txt", source, seqPath(seq))
	}
	resp, err := http.Get(url)
	if err != nil {
		return nil, xerrors.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, xerrors.Errorf("fetch %s: %s", url, resp.Status)
	}
	return ParseState(resp.Body)
}

// seqPath is the nested AAA/BBB/CCC layout replication servers use.
func seqPath(seq int64) string {
	return fmt.Sprintf("%03d/%03d/%03d", seq/1000000, (seq/1000)%1000, seq%1000)
}

// FetchDiff downloads <source><seqPath(seq)>.osc.gz into the diffs directory
// as <seq>.osc.gz. The
// file is written under a temporary name and only moved into place when
// complete, so an interrupted download is retried from scratch rather than
// trusted.
func FetchDiff(source, diffsLocation string, seq int64) (string, error) {
	dest := filepath.Join(diffsLocation, fmt.Sprintf("%d.osc.gz", seq))
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}
	url := fmt.Sprintf("%s%s.osc.gz", source, seqPath(seq))
	resp, err := http.Get(url)
	if err != nil {
		return "", xerrors.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", xerrors.Errorf("fetch %s: %s", url, resp.Status)
	}
	t, err := renameio.TempFile("", dest)
	if err != nil {
		return "", err
	}
	defer t.Cleanup()
	if _, err := io.Copy(t, resp.Body); err != nil {
		return "", xerrors.Errorf("fetch %s: %w", url, err)
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return "", err
	}
	return dest, nil
}
