// Package report renders a crash's persisted data (spec.md §4.6) into the
// tracer's human-readable text format, and writes it to the output
// directory using the tracer's filename convention.
package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/surno/crashtracer/internal/store"
)

// SignalName returns the mnemonic for a crash signal, or "UNKNOWN".
func SignalName(sig int32) string {
	switch sig {
	case 4:
		return "SIGILL"
	case 6:
		return "SIGABRT"
	case 7:
		return "SIGBUS"
	case 8:
		return "SIGFPE"
	case 11:
		return "SIGSEGV"
	default:
		return "UNKNOWN"
	}
}

// SiCodeName returns the mnemonic for a (signal, si_code) pair, or
// "UNKNOWN".
func SiCodeName(sig, code int32) string {
	switch {
	case sig == 11 && code == 1:
		return "SEGV_MAPERR"
	case sig == 11 && code == 2:
		return "SEGV_ACCERR"
	case sig == 7 && code == 1:
		return "BUS_ADRALN"
	case sig == 7 && code == 2:
		return "BUS_ADRERR"
	case sig == 8 && code == 1:
		return "FPE_INTDIV"
	case sig == 8 && code == 2:
		return "FPE_INTOVF"
	case sig == 8 && code == 3:
		return "FPE_FLTDIV"
	case sig == 4 && code == 1:
		return "ILL_ILLOPC"
	default:
		return "UNKNOWN"
	}
}

// artifactTruncateAt is the byte length at which a text artifact's preview
// is cut off, per spec.md §4.6.
const artifactTruncateAt = 4096

// Write renders data as a text crash report into w. When includeStackDump
// is false, the raw stack hex dump and the memory-map listing are omitted
// — the console-summary variant per spec.md §4.6.
func Write(w io.Writer, data *store.CrashReportData, includeStackDump bool) error {
	bw := bufferedWriter{w: w}

	bw.printf("Crash Report\n")
	bw.printf("============\n")
	bw.printf("Generated: %s\n", time.Now().UTC().Format(time.RFC3339))
	bw.printf("\n")
	bw.printf("Process: %s (PID: %d, TID: %d)\n", data.Cmd, data.Process.PID, data.TID)
	bw.printf("Signal:  %s (%d)\n", SignalName(data.Signal), data.Signal)
	bw.printf("Code:    %s (%d)\n", SiCodeName(data.Signal, data.SiCode), data.SiCode)

	if data.FaultAddr != 0 {
		bw.printf("Fault:   0x%016x\n", data.FaultAddr)
	}
	if data.ExitCode != nil {
		bw.printf("Exit:    %d\n", *data.ExitCode)
	}

	bw.printf("\n")
	bw.printf("Detected Runtime: %s\n", data.Process.Runtime)

	r := data.Registers
	bw.printf("\n")
	bw.printf("Registers\n")
	bw.printf("---------\n")
	bw.printf("  RIP: 0x%016x  RFLAGS: 0x%016x\n", r.RIP, r.RFLAGS)
	bw.printf("  RSP: 0x%016x  RBP:    0x%016x\n", r.RSP, r.RBP)
	bw.printf("  RAX: 0x%016x  RBX:    0x%016x\n", r.RAX, r.RBX)
	bw.printf("  RCX: 0x%016x  RDX:    0x%016x\n", r.RCX, r.RDX)
	bw.printf("  RSI: 0x%016x  RDI:    0x%016x\n", r.RSI, r.RDI)
	bw.printf("  R8:  0x%016x  R9:     0x%016x\n", r.R8, r.R9)
	bw.printf("  R10: 0x%016x  R11:    0x%016x\n", r.R10, r.R11)
	bw.printf("  R12: 0x%016x  R13:    0x%016x\n", r.R12, r.R13)
	bw.printf("  R14: 0x%016x  R15:    0x%016x\n", r.R14, r.R15)

	if len(data.Frames) > 0 {
		bw.printf("\n")
		bw.printf("User Stack:\n")
		bw.printf("---------\n")
		for _, f := range data.Frames {
			if f.IP == 0 {
				break
			}
			bw.printf("  #%2d: 0x%016x\n", f.Index, f.IP)
		}
	}

	if includeStackDump && data.Dump != nil {
		writeHexDump(&bw, data.Dump.RSP, data.Dump.Bytes())
	}

	if includeStackDump && len(data.Process.Maps) > 0 {
		bw.printf("\n")
		bw.printf("Memory Maps\n")
		bw.printf("-----------\n")
		for _, line := range data.Process.Maps {
			bw.printf("%s\n", line)
		}
	}

	if len(data.Artifacts) > 0 {
		bw.printf("\n")
		bw.printf("Runtime Artifacts\n")
		bw.printf("-----------------\n")
		for _, a := range data.Artifacts {
			writeArtifact(&bw, a)
		}
	}

	return bw.err
}

// writeHexDump renders length bytes starting at rsp as 16-bytes-per-row
// hex+ASCII, matching the original renderer's layout: a two-space gutter,
// byte pairs separated by a space, short trailing rows padded to align the
// ASCII gutter, non-printable bytes rendered as '.'.
func writeHexDump(bw *bufferedWriter, rsp uint64, data []byte) {
	length := len(data)
	bw.printf("\n")
	bw.printf("Raw Stack (%d bytes from 0x%016x)\n", length, rsp)
	bw.printf("---------\n")

	for offset := 0; offset < length; offset += 16 {
		end := offset + 16
		if end > length {
			end = length
		}
		chunk := data[offset:end]

		bw.printf("  0x%016x:", rsp+uint64(offset))
		for i, b := range chunk {
			if i%2 == 0 {
				bw.printf(" ")
			}
			bw.printf("%02x", b)
		}
		missing := 16 - len(chunk)
		for i := 0; i < missing; i++ {
			if (len(chunk)+i)%2 == 0 {
				bw.printf(" ")
			}
			bw.printf("  ")
		}

		bw.printf("  |")
		for _, b := range chunk {
			ch := '.'
			if unicode.IsPrint(rune(b)) && b < 128 {
				ch = rune(b)
			}
			bw.printf("%c", ch)
		}
		bw.printf("|\n")
	}
}

func writeArtifact(bw *bufferedWriter, a store.Artifact) {
	bw.printf("  File: %s (%s)\n", a.Filename, a.FullPath)

	switch {
	case a.Content == nil:
		bw.printf("  (content not available)\n")

	case isValidUTF8Text(a.Content):
		text := string(a.Content)
		bw.printf("\n")
		truncated := len(text) > artifactTruncateAt
		preview := text
		if truncated {
			preview = text[:artifactTruncateAt]
		}
		for _, line := range strings.Split(preview, "\n") {
			bw.printf("    %s\n", line)
		}
		if truncated {
			bw.printf("    ... (%d bytes total, truncated)\n", len(text))
		}

	default:
		bw.printf("  (binary content, %d bytes)\n", len(a.Content))
	}
}

func isValidUTF8Text(b []byte) bool {
	return utf8.Valid(b)
}

// Filename returns the report filename for a completed crash, per
// spec.md §6: "crash_<cmd>_<pid>_<YYYYMMDD_HHMMSS>.txt".
func Filename(cmd string, pid uint32, at time.Time) string {
	return fmt.Sprintf("crash_%s_%d_%s.txt", cmd, pid, at.UTC().Format("20060102_150405"))
}

// SaveToFile renders data and writes it to outputDir using the tracer's
// filename convention, returning the full path written.
func SaveToFile(outputDir string, data *store.CrashReportData) (string, error) {
	path := filepath.Join(outputDir, Filename(data.Cmd, data.Process.PID, time.Now()))

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("report: create %q: %w", path, err)
	}
	defer f.Close()

	if err := Write(f, data, true); err != nil {
		return "", fmt.Errorf("report: write %q: %w", path, err)
	}
	return path, nil
}

// bufferedWriter accumulates the first error from a sequence of Fprintf
// calls so call sites read as a flat sequence of printf statements instead
// of repeated "if err != nil" boilerplate, mirroring the original
// renderer's single early-return-on-error style.
type bufferedWriter struct {
	w   io.Writer
	err error
}

func (b *bufferedWriter) printf(format string, args ...any) {
	if b.err != nil {
		return
	}
	_, b.err = fmt.Fprintf(b.w, format, args...)
}
