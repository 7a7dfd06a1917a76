// Package describe builds the filename suffix that records which operation
// produced a kept input: a compact textual log of source index, timing, and
// stage metadata, followed by a short tag naming which novelty axis fired.
package describe

import (
	"fmt"
	"strings"
)

// ErrTooLong is returned when the built description would reach or exceed
// the caller-supplied budget — describe_op's "filename got too long"/"describe
// string is too long" FATALs, downgraded from process-abort to a returned
// error (still fatal to the caller, but the caller decides how to die).
var ErrTooLong = fmt.Errorf("describe: description exceeds max length")

// Input carries the ambient fuzzer state describe_op reads when building
// the human-readable half of the description, before the tag suffix.
type Input struct {
	// Source is the queue index the input was derived from.
	Source uint32

	// SplicingWith is the other queue index spliced in, or -1 if this run
	// wasn't a splice.
	SplicingWith int32

	// SyncingParty names the peer fuzzer instance this input was imported
	// from during sync, or "" if it originated locally.
	SyncingParty string
	SyncingCase  uint32

	ElapsedSeconds uint64
	TotalExecs     uint64

	StageName string

	// StageBytePos is the mutated byte offset, or -1 when the stage isn't
	// position-addressed (e.g. havoc repeats).
	StageBytePos int32

	// HasStageValue reports whether StageValue/StageValueBE are meaningful
	// for this stage.
	HasStageValue bool
	StageValue    int32
	StageValueBE  bool

	StageRep int32
}

// Tag values name the eight few_bits low-nibble patterns plus the plain
// has_new_bits fallback.
const (
	TagNone         byte = 0x00
	TagNewCoverage  byte = 0x02
	TagHitCount     byte = 0x11
	TagCoverage     byte = 0x12
	TagCovHit       byte = 0x13
	TagBitmap       byte = 0x14
	TagBitmapHit    byte = 0x15
	TagBitmapCov    byte = 0x16
	TagBitmapCovHit byte = 0x17
)

var tagSuffix = map[byte]string{
	TagNewCoverage:  ",+cov",
	TagHitCount:     ",-xxh",
	TagCoverage:     ",-xcx",
	TagCovHit:       ",-xch",
	TagBitmap:       ",-bxx",
	TagBitmapHit:    ",-bxh",
	TagBitmapCov:    ",-bcx",
	TagBitmapCovHit: ",-bch",
}

// Op builds the description string for a kept input. tag is the few_bits
// pattern (see the Tag* constants); timeout appends the ",+tout" suffix.
// maxLen bounds the output; a result of maxLen bytes or more reports
// ErrTooLong rather than aborting the process.
func Op(in Input, tag byte, timeout bool, maxLen int) (string, error) {
	var b strings.Builder

	if in.SyncingParty != "" {
		fmt.Fprintf(&b, "sync:%s,src:%06d", in.SyncingParty, in.SyncingCase)
	} else {
		fmt.Fprintf(&b, "src:%06d", in.Source)

		if in.SplicingWith >= 0 {
			fmt.Fprintf(&b, "+%06d", in.SplicingWith)
		}

		fmt.Fprintf(&b, ",time:%d,execs:%d", in.ElapsedSeconds, in.TotalExecs)
		fmt.Fprintf(&b, ",op:%s", in.StageName)

		if in.StageBytePos >= 0 {
			fmt.Fprintf(&b, ",pos:%d", in.StageBytePos)

			if in.HasStageValue {
				prefix := ""
				if in.StageValueBE {
					prefix = "be:"
				}

				fmt.Fprintf(&b, ",val:%s%+d", prefix, in.StageValue)
			}
		} else {
			fmt.Fprintf(&b, ",rep:%d", in.StageRep)
		}
	}

	if timeout {
		b.WriteString(",+tout")
	}

	if suffix, ok := tagSuffix[tag]; ok {
		b.WriteString(suffix)
	}

	result := b.String()
	if len(result) >= maxLen {
		return "", ErrTooLong
	}

	return result, nil
}
