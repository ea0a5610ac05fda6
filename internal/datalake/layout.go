// Package datalake owns the on-disk layout shared by the scraper, the loaders
// and the enricher:
//
//	{root}/raw/{YYYY-MM-DD}/{channel}/{channel}_messages.json
//	{root}/raw/{YYYY-MM-DD}/{channel}/{message_id}.jpg
//	{root}/enriched/image_detections.json
package datalake

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	DayFormat          = "2006-01-02"
	messagesFileSuffix = "_messages.json"
	imageExt           = ".jpg"
)

// ErrBadImageName is returned for image files that do not follow {message_id}[_suffix].jpg.
var ErrBadImageName = errors.New("image name does not match {message_id}[_suffix].jpg")

var imageNamePattern = regexp.MustCompile(`^([0-9]+)(?:_[A-Za-z0-9-]+)?\.jpg$`)

// Layout resolves paths under a data root.
type Layout struct {
	Root string
}

// NewLayout returns a Layout rooted at dir.
func NewLayout(dir string) Layout {
	return Layout{Root: dir}
}

func (l Layout) RawDir() string {
	return filepath.Join(l.Root, "raw")
}

func (l Layout) EnrichedFile() string {
	return filepath.Join(l.Root, "enriched", "image_detections.json")
}

func (l Layout) ChannelDir(day, channel string) string {
	return filepath.Join(l.RawDir(), day, channel)
}

func (l Layout) MessagesFile(day, channel string) string {
	return filepath.Join(l.ChannelDir(day, channel), channel+messagesFileSuffix)
}

func (l Layout) ImagePath(day, channel string, messageID int64) string {
	return filepath.Join(l.ChannelDir(day, channel), strconv.FormatInt(messageID, 10)+imageExt)
}

// DayOf formats the partition key for t in UTC.
func DayOf(t time.Time) string {
	return t.UTC().Format(DayFormat)
}

// Partition is one {day}/{channel} directory.
type Partition struct {
	Day     string
	Channel string
	Dir     string
}

// Partitions lists every day/channel directory under the raw root, sorted by
// day then channel. Directories whose name is not a YYYY-MM-DD date are ignored.
// A missing raw root is returned as an error wrapping os.ErrNotExist.
func (l Layout) Partitions() ([]Partition, error) {
	days, err := os.ReadDir(l.RawDir())
	if err != nil {
		return nil, fmt.Errorf("read raw data directory: %w", err)
	}

	var parts []Partition
	for _, day := range days {
		if !day.IsDir() {
			continue
		}
		if _, err := time.Parse(DayFormat, day.Name()); err != nil {
			continue
		}
		dayDir := filepath.Join(l.RawDir(), day.Name())
		channels, err := os.ReadDir(dayDir)
		if err != nil {
			return nil, fmt.Errorf("read day directory %s: %w", dayDir, err)
		}
		for _, ch := range channels {
			if !ch.IsDir() {
				continue
			}
			parts = append(parts, Partition{
				Day:     day.Name(),
				Channel: ch.Name(),
				Dir:     filepath.Join(dayDir, ch.Name()),
			})
		}
	}

	return parts, nil
}

// MessageFiles returns the *_messages.json files in the partition.
func (p Partition) MessageFiles() ([]string, error) {
	return p.filesWithSuffix(messagesFileSuffix)
}

// Images returns the *.jpg files in the partition.
func (p Partition) Images() ([]string, error) {
	return p.filesWithSuffix(imageExt)
}

func (p Partition) filesWithSuffix(suffix string) ([]string, error) {
	entries, err := os.ReadDir(p.Dir)
	if err != nil {
		return nil, fmt.Errorf("read partition %s: %w", p.Dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), suffix) {
			files = append(files, filepath.Join(p.Dir, e.Name()))
		}
	}
	return files, nil
}

// ParseImageName extracts the message id from an image file name. The accepted
// grammar is digits, an optional "_" followed by [A-Za-z0-9-]+, then ".jpg".
func ParseImageName(name string) (int64, error) {
	m := imageNamePattern.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return 0, fmt.Errorf("%q: %w", name, ErrBadImageName)
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%q: %w", name, ErrBadImageName)
	}
	return id, nil
}
