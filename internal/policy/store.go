// Package policy reads and writes the shared per-channel fee policy file.
// The file is charge-lnd style INI: one section per channel named
// "autofee-<HxTxO>", consumed by the external fee-setting agent. Every stage
// loads the whole file, mutates its view in memory, and saves it back through
// a temp file and rename so readers never observe a torn file.
package policy

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/Benny-444/autofee/internal/chanid"
)

const sectionPrefix = "autofee-"

const (
	keyChanID      = "chan.id"
	keyStrategy    = "strategy"
	keyFeePpm      = "fee_ppm"
	keyInboundPpm  = "inbound_fee_ppm"
	keyMaxHtlcMsat = "max_htlc_msat"
	keyStagnant    = "stagnant"
)

// Entry is the canonical policy for one channel. InboundFeePpm and
// MaxHtlcMsat are nil when the corresponding key is absent from the section;
// an absent inbound key means no inbound discount is active.
type Entry struct {
	ChanID        chanid.ID
	Strategy      string
	FeePpm        int64
	InboundFeePpm *int64
	MaxHtlcMsat   *uint64
	Stagnant      bool
}

// ParseWarning records a section that could not be decoded. The store skips
// such sections rather than failing the whole load.
type ParseWarning struct {
	Section string
	Err     error
}

// File is an in-memory view of the policy store.
type File struct {
	path    string
	entries map[chanid.ID]*Entry
}

// Load reads the policy file at path. A missing file yields an empty store.
func Load(path string) (*File, []ParseWarning, error) {
	f := &File{path: path, entries: map[chanid.ID]*Entry{}}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil, nil
		}
		return nil, nil, fmt.Errorf("read policy file: %w", err)
	}

	src, err := ini.Load(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}

	var warnings []ParseWarning
	for _, sec := range src.Sections() {
		name := sec.Name()
		if !strings.HasPrefix(name, sectionPrefix) {
			continue
		}
		entry, err := decodeSection(sec)
		if err != nil {
			warnings = append(warnings, ParseWarning{Section: name, Err: err})
			continue
		}
		f.entries[entry.ChanID] = entry
	}
	return f, warnings, nil
}

func decodeSection(sec *ini.Section) (*Entry, error) {
	idKey := sec.Key(keyChanID).String()
	if idKey == "" {
		return nil, fmt.Errorf("missing %s", keyChanID)
	}
	id, err := chanid.Parse(idKey)
	if err != nil {
		return nil, err
	}

	entry := &Entry{ChanID: id, Strategy: sec.Key(keyStrategy).String()}

	feeRaw := sec.Key(keyFeePpm).String()
	if feeRaw != "" {
		fee, err := parsePpm(feeRaw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", keyFeePpm, err)
		}
		entry.FeePpm = fee
	}
	if raw := sec.Key(keyInboundPpm).String(); raw != "" {
		inbound, err := parsePpm(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", keyInboundPpm, err)
		}
		entry.InboundFeePpm = &inbound
	}
	if raw := sec.Key(keyMaxHtlcMsat).String(); raw != "" {
		maxHtlc, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", keyMaxHtlcMsat, err)
		}
		entry.MaxHtlcMsat = &maxHtlc
	}
	if raw := sec.Key(keyStagnant).String(); raw != "" {
		entry.Stagnant, _ = strconv.ParseBool(raw)
	}
	return entry, nil
}

// parsePpm tolerates a float rendering of an integral ppm value, which older
// store files contain.
func parsePpm(raw string) (int64, error) {
	if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}

// Get returns a copy of the entry for id.
func (f *File) Get(id chanid.ID) (Entry, bool) {
	entry, ok := f.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Put inserts or replaces the entry for entry.ChanID.
func (f *File) Put(entry Entry) {
	stored := entry
	f.entries[entry.ChanID] = &stored
}

// Delete removes the entry for id, if present.
func (f *File) Delete(id chanid.ID) {
	delete(f.entries, id)
}

// Len reports the number of channel sections.
func (f *File) Len() int {
	return len(f.entries)
}

// Entries returns all entries sorted by channel id.
func (f *File) Entries() []Entry {
	ids := make([]chanid.ID, 0, len(f.entries))
	for id := range f.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		out = append(out, *f.entries[id])
	}
	return out
}

// Save atomically rewrites the policy file from the in-memory view.
func (f *File) Save() error {
	if f.path == "" {
		return fmt.Errorf("policy file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}

	out := ini.Empty()
	for _, entry := range f.Entries() {
		sec, err := out.NewSection(sectionPrefix + entry.ChanID.Compact())
		if err != nil {
			return err
		}
		sec.Key(keyChanID).SetValue(entry.ChanID.String())
		sec.Key(keyStrategy).SetValue(entry.Strategy)
		sec.Key(keyFeePpm).SetValue(strconv.FormatInt(entry.FeePpm, 10))
		if entry.InboundFeePpm != nil {
			sec.Key(keyInboundPpm).SetValue(strconv.FormatInt(*entry.InboundFeePpm, 10))
		}
		if entry.MaxHtlcMsat != nil {
			sec.Key(keyMaxHtlcMsat).SetValue(strconv.FormatUint(*entry.MaxHtlcMsat, 10))
		}
		if entry.Stagnant {
			sec.Key(keyStagnant).SetValue("true")
		}
	}

	var buf bytes.Buffer
	if _, err := out.WriteTo(&buf); err != nil {
		return err
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}
