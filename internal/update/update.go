package update

import (
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/xerrors"

	osmquadtree "github.com/jharris2268/osmquadtree"
	"github.com/jharris2268/osmquadtree/internal/progress"
	"github.com/jharris2268/osmquadtree/internal/repo"
)

// RunInitial prepares a freshly sorted archive for updates: it writes the
// index sidecar, the settings and the initial filelist.
func RunInitial(root, baseFn, endDate string, initialState int64, sourcePrefix, diffsLocation string) error {
	tiles, err := WriteIndexFile(filepath.Join(root, baseFn), filepath.Join(root, baseFn+"-index.pbf"))
	if err != nil {
		return err
	}
	if err := repo.WriteSettings(root, &repo.Settings{
		InitialState:  initialState,
		DiffsLocation: diffsLocation,
		SourcePrefix:  sourcePrefix,
		RoundTime:     true,
	}); err != nil {
		return err
	}
	return repo.WriteFilelist(root, []repo.FilelistEntry{{
		Filename: baseFn,
		EndDate:  endDate,
		NumTiles: tiles,
		State:    initialState,
	}})
}

// Run fetches and applies pending replication diffs. limit bounds how many
// diffs are applied (0 means all available); with demo set the supplemental
// file gets a "-demo" suffix and the filelist is left alone.
func Run(root string, limit int, demo bool, numchan int) error {
	settings, err := repo.ReadSettings(root)
	if err != nil {
		return err
	}
	filelist, err := repo.ReadFilelist(root)
	if err != nil {
		return err
	}
	if len(filelist) == 0 {
		return xerrors.New("empty filelist")
	}

	lastState := filelist[len(filelist)-1].State
	remote, err := repo.FetchState(settings.SourcePrefix, -1)
	if err != nil {
		return xerrors.Errorf("diff state fetch failed: %w", err)
	}
	if remote.Sequence <= lastState {
		progress.Message("up to date at state %d", lastState)
		return nil
	}

	applied := 0
	for seq := lastState + 1; seq <= remote.Sequence; seq++ {
		if limit > 0 && applied >= limit {
			break
		}
		state, err := repo.FetchState(settings.SourcePrefix, seq)
		if err != nil {
			return xerrors.Errorf("diff state fetch failed: %w", err)
		}
		changeFn, err := repo.FetchDiff(settings.SourcePrefix, settings.DiffsLocation, seq)
		if err != nil {
			return err
		}

		prevTS, err := osmquadtree.ParseTimestamp(filelist[len(filelist)-1].EndDate)
		if err != nil {
			return xerrors.Errorf("filelist end_date: %w", err)
		}
		ts, err := parseStateTimestamp(state.Timestamp)
		if err != nil {
			return err
		}
		if settings.RoundTime {
			ts = osmquadtree.RoundTimestamp(ts)
		}

		outFn := osmquadtree.DateString(ts) + ".pbfc"
		if demo {
			outFn = osmquadtree.DateString(ts) + "-demo.pbfc"
		}

		tiles, err := FindUpdate(root, filelist, changeFn, prevTS, ts, outFn, numchan)
		if err != nil {
			return err
		}
		progress.Message("state %d: %d tiles -> %s", seq, tiles, outFn)

		if demo {
			return nil
		}

		if _, err := WriteIndexFile(filepath.Join(root, outFn), filepath.Join(root, outFn+"-index.pbf")); err != nil {
			return err
		}
		entry := repo.FilelistEntry{
			Filename: outFn,
			EndDate:  osmquadtree.TimestampString(ts),
			NumTiles: tiles,
			State:    seq,
		}
		if err := repo.AppendFilelist(root, entry); err != nil {
			return err
		}
		filelist = append(filelist, entry)
		applied++
	}
	return nil
}

// DropLast reverses the newest update: the filelist is truncated; the
// supplemental archive is left on disk.
func DropLast(root string) error {
	dropped, err := repo.DropLast(root)
	if err != nil {
		return err
	}
	progress.Message("dropped %s (state %d)", dropped.Filename, dropped.State)
	return nil
}

func parseStateTimestamp(s string) (int64, error) {
	s = strings.TrimSuffix(s, "Z")
	ts, err := osmquadtree.ParseTimestamp(s)
	if err != nil {
		return 0, fmt.Errorf("state timestamp %q: %v", s, err)
	}
	return ts, nil
}
