package crashlog

import (
	"bufio"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/codecat/go-libs/log"
)

var (
	rModule       = regexp.MustCompile(`^([0-9A-F]{8,16})-([0-9A-F]{8,16}): (.*)`)
	rCrashAddress = regexp.MustCompile(`^\t=>Occured at address 0x([0-9A-F]{8,16})$`)
	rByteCode     = regexp.MustCompile(`^([0-9A-F]{8,16}): (.*)$`)
	rByteCodeSub  = regexp.MustCompile(`[0-9A-F]{2}`)
)

type parseState int

const (
	stateOutside parseState = iota
	stateException
	stateModules
	stateByteCode
)

// IsExceptionHeader reports whether line opens an exception block.
func IsExceptionHeader(line string) bool {
	return line == "--- ExceptionWin32 catched ---" || strings.HasPrefix(line, "Win32 Exception : ")
}

func Open(path string) (*Log, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return Parse(fh)
}

// Parse reads a crash log. Lines that look like they belong to the module
// table or the bytecode dump but cannot be decoded are warned about and
// skipped.
func Parse(r io.Reader) (*Log, error) {
	ret := &Log{
		BitSize: 64,
	}

	state := stateOutside
	scanner := bufio.NewScanner(r)
	lineNumber := 0
	for scanner.Scan() {
		line := scanner.Text()
		lineNumber++

		switch state {
		case stateOutside:
			if IsExceptionHeader(line) {
				state = stateException
			}

		case stateException:
			switch {
			case line == "Modules:":
				state = stateModules
			case line == "ByteCode:":
				ret.ByteCode = make([]byte, 0)
				state = stateByteCode
			case rCrashAddress.MatchString(line):
				matches := rCrashAddress.FindStringSubmatch(line)
				ret.CrashAddress, _ = strconv.ParseUint(matches[1], 16, 64)
			}

		case stateModules:
			if line == "" {
				state = stateException
				continue
			}

			matches := rModule.FindStringSubmatch(line)
			if len(matches) != 4 {
				log.Warn("Unable to decode module at line %d", lineNumber)
				continue
			}
			if len(matches[1]) == 8 {
				ret.BitSize = 32
			}

			start, _ := strconv.ParseUint(matches[1], 16, 64)
			end, _ := strconv.ParseUint(matches[2], 16, 64)
			if end <= start {
				log.Warn("Module %s at line %d has an empty range", matches[3], lineNumber)
				continue
			}
			ret.Modules = append(ret.Modules, &ModuleInfo{
				Start: start,
				End:   end,
				Name:  matches[3],
			})

		case stateByteCode:
			if line == "" {
				state = stateException
				continue
			}

			matches := rByteCode.FindStringSubmatch(line)
			if len(matches) != 3 {
				log.Warn("Unable to get bytecode at line %d", lineNumber)
				continue
			}
			if ret.ByteCodeStart == 0 {
				ret.ByteCodeStart, _ = strconv.ParseUint(matches[1], 16, 64)
			}
			for _, bstr := range rByteCodeSub.FindAllString(matches[2], -1) {
				b, _ := strconv.ParseUint(bstr, 16, 8)
				ret.ByteCode = append(ret.ByteCode, byte(b))
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}
