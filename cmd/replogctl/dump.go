package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"

	"golang.org/x/exp/mmap"

	"github.com/dd0wney/cluso-replog/pkg/checkpoint"
	"github.com/dd0wney/cluso-replog/pkg/wal"
)

func runDump(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("dump", flag.ContinueOnError)
	file := fs.String("file", "", "log file to dump")
	sections := fs.Bool("sections", true, "decode checkpoint and truncate head payloads")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return errors.New("-file is required")
	}

	r, err := mmap.Open(*file)
	if err != nil {
		return err
	}
	defer r.Close()

	return dumpLog(io.NewSectionReader(r, 0, int64(r.Len())), int64(r.Len()), out, *sections)
}

// dumpLog prints every frame of r. A damaged frame ends the scan the way
// recovery would; a failure to decode a section is returned.
func dumpLog(r io.Reader, size int64, out io.Writer, sections bool) error {
	counts := make(map[wal.RecordType]int)
	var order []wal.RecordType

	good, err := wal.ReadFrames(r, func(rec *wal.Record) error {
		if counts[rec.Type] == 0 {
			order = append(order, rec.Type)
		}
		counts[rec.Type]++

		fmt.Fprintf(out, "%10d  %-19s lsn=%-6d psn=%-6d epoch=%s prev=%d size=%d",
			rec.Position, rec.Type, rec.LSN, rec.PSN, rec.Epoch, rec.PrevPhysical, rec.Size)
		if rec.Type == wal.RecordBarrier {
			fmt.Fprintf(out, " stable=%d", rec.LastStableLSN)
		}
		fmt.Fprintln(out)
		if sections {
			return describeSection(out, rec)
		}
		return nil
	})

	fmt.Fprintf(out, "\n%d of %d bytes in whole frames\n", good, size)
	for _, typ := range order {
		fmt.Fprintf(out, "  %-19s %d\n", typ, counts[typ])
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, wal.ErrTornFrame), errors.Is(err, wal.ErrChecksumMismatch), errors.Is(err, wal.ErrCorruptFrame):
		fmt.Fprintf(out, "%v at byte %d: %d bytes would be discarded on recovery\n", err, good, size-good)
		return nil
	default:
		return fmt.Errorf("frame at byte %d: %w", good, err)
	}
}

func describeSection(out io.Writer, rec *wal.Record) error {
	switch rec.Type {
	case wal.RecordBeginCheckpoint:
		cp, err := checkpoint.DecodeRecord(rec.Header(), bytes.NewReader(rec.Payload))
		if err != nil {
			return fmt.Errorf("decode checkpoint at %d: %w", rec.Position, err)
		}
		fmt.Fprintf(out, "            epoch=%s last_stable=%d periodic=%v first_on_full_copy=%v\n",
			cp.Epoch(), cp.LastStableLSN(), cp.IsPeriodic(), cp.IsFirstCheckpointOnFullCopy())
		if tx, ok := cp.EarliestPendingTransaction(); ok {
			fmt.Fprintf(out, "            earliest pending tx=%d lsn=%d offset=%d\n",
				tx.ID, tx.LSN, cp.EarliestPendingTransactionOffset())
		}
		if b := cp.Backup(); b.IsValid() {
			fmt.Fprintf(out, "            backup %s\n", b)
		}
		if v := cp.Vector(); v != nil {
			fmt.Fprintf(out, "            %s\n", v.Format("            ", 2, -1))
		}

	case wal.RecordTruncateHead:
		th, err := checkpoint.DecodeTruncateHead(rec.Header(), bytes.NewReader(rec.Payload))
		if err != nil {
			return fmt.Errorf("decode truncate head at %d: %w", rec.Position, err)
		}
		h := th.LogHead()
		fmt.Fprintf(out, "            new head lsn=%d psn=%d pos=%d stable=%v\n",
			h.LSN, h.PSN, h.RecordPosition, th.IsStable())

	case wal.RecordEndCheckpoint:
		if len(rec.Payload) >= 16 {
			fmt.Fprintf(out, "            ends checkpoint lsn=%d at pos=%d\n",
				binary.LittleEndian.Uint64(rec.Payload[8:16]), binary.LittleEndian.Uint64(rec.Payload[0:8]))
		}
	}
	return nil
}
