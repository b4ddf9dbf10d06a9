package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/codecat/go-libs/log"
	"github.com/jpap/go-zydis"

	"github.com/codecat/loadlist/pkg/crashlog"
	"github.com/codecat/loadlist/pkg/target"
)

var (
	rAddress    = regexp.MustCompile(`address 0x([0-9A-F]{8,16})`)
	rOpenplanet = regexp.MustCompile(`^.*: Openplanet.dll$`)
)

func transformLog(path string, sink target.Sink) error {
	info, err := crashlog.Open(path)
	if err != nil {
		return fmt.Errorf("unable to decode log: %w", err)
	}

	list, _ := info.LoadList(*flagImages, sink)
	if mod := info.ModuleAt(info.CrashAddress); mod != nil {
		log.Info("%s crashed in %s at +0x%X", path, mod.Name, mod.OffsetOf(info.CrashAddress))
	} else {
		log.Warn("%s crashed outside of any module at 0x%X", path, info.CrashAddress)
	}

	// Input stream
	fhIn, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("unable to make input stream: %w", err)
	}
	defer fhIn.Close()

	return crashlog.WriteDecoded(crashlog.DecodedPath(path), func(w io.Writer) error {
		return annotate(fhIn, w, info, list)
	})
}

// annotate copies the log to w, appending the resolved section to every code
// address and replacing the bytecode dump with its disassembly.
func annotate(r io.Reader, w io.Writer, info *crashlog.Log, list *target.SectionLoadList) error {
	inException := false
	inByteCode := false
	handledByteCode := false

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()

		if inException {
			if inByteCode {
				if !handledByteCode {
					disassemble(w, info, list)
					handledByteCode = true
					continue
				} else if line == "" {
					inByteCode = false
				} else {
					continue
				}
			} else if line == "ByteCode:" {
				inByteCode = true
			}
		} else if crashlog.IsExceptionHeader(line) {
			inException = true
		}

		line = rAddress.ReplaceAllStringFunc(line, func(part string) string {
			matches := rAddress.FindStringSubmatch(part)
			addr, _ := strconv.ParseUint(matches[1], 16, 64)

			if so, ok := list.ResolveLoadAddress(addr); ok {
				return part + fmt.Sprintf(" (%s)", so)
			}
			return part
		})

		// Add some exclamation marks if Openplanet is loaded
		if rOpenplanet.MatchString(line) {
			line = "\t! ! !    " + line
		}

		fmt.Fprintf(w, "%s\n", line)
	}
	return scanner.Err()
}

// disassemble writes the instructions around the crash address, each labeled
// with the section it resolves to.
func disassemble(w io.Writer, info *crashlog.Log, list *target.SectionLoadList) {
	var decoder *zydis.Decoder
	if info.BitSize == 64 {
		decoder = zydis.NewDecoder(zydis.MachineMode64, zydis.AddressWidth64)
	} else {
		decoder = zydis.NewDecoder(zydis.MachineMode64, zydis.AddressWidth32)
	}

	formatter, err := zydis.NewFormatter(zydis.FormatterStyleIntel)
	if err != nil {
		fmt.Fprintf(w, "Unable to create formatter: %s\n", err.Error())
		return
	}

	// The dump is centered on the crash address; decoding starts at the middle
	// so instruction boundaries line up with it.
	start := len(info.ByteCode) / 2
	for offset := start; offset < len(info.ByteCode); {
		addr := info.ByteCodeStart + uint64(offset)

		instr, err := decoder.Decode(info.ByteCode[offset:])
		if err != nil {
			break
		}

		text, err := formatter.FormatInstruction(instr, addr)
		if err != nil {
			fmt.Fprintf(w, "Unable to format instruction: %s\n", err.Error())
			break
		}
		text = strings.Trim(text, "\x00")

		location := fmt.Sprintf("0x%X", addr)
		if so, ok := list.ResolveLoadAddress(addr); ok {
			location = so.String()
		}
		fmt.Fprintf(w, "\t%s: %s", location, text)
		if addr == info.CrashAddress {
			fmt.Fprint(w, "  <---- CRASHED HERE")
		}
		fmt.Fprint(w, "\n")

		offset += int(instr.Length)
	}
}
