// Package mounts reads the kernel mount table and detaches marked
// filesystems. It is the mount-side counterpart of the devicemapper package:
// listing feeds the sweep engine's filtering, and detach is the removal
// primitive.
package mounts

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Info is one mount record from /proc/self/mountinfo.
//
// Reference line:
//
//	36 35 253:3 / /mnt/scratch rw,relatime shared:1 - xfs /dev/mapper/thin-a rw
//	^  ^  ^     ^ ^            ^           ^        ^ ^   ^                  ^
//	id │  maj:  │ mount point  options     optional │ fs  source             super
//	   parent  min root                    fields  sep                       options
type Info struct {
	MountID    int
	ParentID   int
	Major      int
	Minor      int
	Root       string
	MountPoint string
	Options    string
	FSType     string
	Source     string
}

// ParseMountInfo parses mountinfo-format data, preserving table order.
//
// Malformed lines are skipped rather than propagated: the kernel rewrites
// this table under concurrent mount activity, and a torn read of one record
// must not abort teardown of everything else. Only reader errors are
// returned.
func ParseMountInfo(r io.Reader) ([]Info, error) {
	var infos []Info

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		info, ok := parseMountInfoLine(scanner.Text())
		if !ok {
			continue
		}
		infos = append(infos, info)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading mount table: %w", err)
	}
	return infos, nil
}

// parseMountInfoLine parses a single record. The optional-fields region
// between the options and the "-" separator varies in length, so the
// filesystem fields are located relative to the separator.
func parseMountInfoLine(line string) (Info, bool) {
	fields := strings.Fields(line)
	if len(fields) < 8 {
		return Info{}, false
	}

	sep := -1
	for i := 6; i < len(fields); i++ {
		if fields[i] == "-" {
			sep = i
			break
		}
	}
	if sep < 0 || sep+2 >= len(fields) {
		return Info{}, false
	}

	mountID, err := strconv.Atoi(fields[0])
	if err != nil {
		return Info{}, false
	}
	parentID, err := strconv.Atoi(fields[1])
	if err != nil {
		return Info{}, false
	}

	majmin := strings.SplitN(fields[2], ":", 2)
	if len(majmin) != 2 {
		return Info{}, false
	}
	major, err := strconv.Atoi(majmin[0])
	if err != nil {
		return Info{}, false
	}
	minor, err := strconv.Atoi(majmin[1])
	if err != nil {
		return Info{}, false
	}

	root, ok := unescapeField(fields[3])
	if !ok {
		return Info{}, false
	}
	mountPoint, ok := unescapeField(fields[4])
	if !ok {
		return Info{}, false
	}
	source, ok := unescapeField(fields[sep+2])
	if !ok {
		return Info{}, false
	}

	return Info{
		MountID:    mountID,
		ParentID:   parentID,
		Major:      major,
		Minor:      minor,
		Root:       root,
		MountPoint: mountPoint,
		Options:    fields[5],
		FSType:     fields[sep+1],
		Source:     source,
	}, true
}

// unescapeField decodes the kernel's octal escapes (\040 for space, \011
// tab, \012 newline, \134 backslash). Go string-literal unquoting handles
// exactly this escape form, so the field is round-tripped through it.
func unescapeField(s string) (string, bool) {
	if !strings.Contains(s, `\`) {
		return s, true
	}
	unquoted, err := strconv.Unquote(`"` + s + `"`)
	if err != nil {
		return "", false
	}
	return unquoted, true
}
