// Package chanid handles the packed short channel id used across the engine:
// block height, funding tx index and output index packed into one uint64.
package chanid

import (
	"fmt"
	"strconv"
	"strings"
)

// ID is a short channel id: block_height<<40 | tx_index<<16 | output_index.
type ID uint64

const (
	txIndexMask     = 0xFFFFFF
	outputIndexMask = 0xFFFF
)

func FromParts(blockHeight uint32, txIndex uint32, outputIndex uint16) ID {
	return ID(uint64(blockHeight)<<40 | uint64(txIndex&txIndexMask)<<16 | uint64(outputIndex))
}

func (id ID) BlockHeight() uint32 {
	return uint32(uint64(id) >> 40)
}

func (id ID) TxIndex() uint32 {
	return uint32((uint64(id) >> 16) & txIndexMask)
}

func (id ID) OutputIndex() uint16 {
	return uint16(uint64(id) & outputIndexMask)
}

// String renders the decimal form used in state maps and `chan.id` keys.
func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Compact renders the HxTxO form used in policy section names, e.g. "796014x2603x1".
func (id ID) Compact() string {
	return fmt.Sprintf("%dx%dx%d", id.BlockHeight(), id.TxIndex(), id.OutputIndex())
}

// Parse accepts either the decimal or the HxTxO rendering.
func Parse(s string) (ID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty channel id")
	}
	if strings.Contains(s, "x") {
		return parseCompact(s)
	}
	raw, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid channel id %q: %w", s, err)
	}
	return ID(raw), nil
}

func parseCompact(s string) (ID, error) {
	parts := strings.Split(s, "x")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid channel id %q: want HxTxO", s)
	}
	height, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid block height in %q: %w", s, err)
	}
	tx, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid tx index in %q: %w", s, err)
	}
	if tx > txIndexMask {
		return 0, fmt.Errorf("tx index out of range in %q", s)
	}
	out, err := strconv.ParseUint(parts[2], 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid output index in %q: %w", s, err)
	}
	return FromParts(uint32(height), uint32(tx), uint16(out)), nil
}
