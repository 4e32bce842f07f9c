// Package meta reads track tags from audio files. Reading never fails: a
// file with no usable tags gets its filename as the title.
package meta

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bogem/id3v2/v2"
	"github.com/mewkiz/flac"
	flacmeta "github.com/mewkiz/flac/meta"
)

// TrackMetadata holds song information.
type TrackMetadata struct {
	Title       string
	Artist      string
	Album       string
	AlbumArtist string
	Genre       string
	TrackNumber int
	Year        int
}

// ReadMetadata reads tags from the file at path. MP3 files are read via
// ID3v2, FLAC files via their Vorbis comment block; anything else (and any
// file whose tags lack a title) falls back to the filename.
func ReadMetadata(path string) TrackMetadata {
	var m TrackMetadata
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		m = readID3(path)
	case ".flac":
		m = readVorbisComment(path)
	}
	if m.Title == "" {
		base := filepath.Base(path)
		m.Title = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return m
}

func readID3(path string) TrackMetadata {
	tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
	if err != nil {
		return TrackMetadata{}
	}
	defer tag.Close()

	m := TrackMetadata{
		Title:  strings.TrimSpace(tag.Title()),
		Artist: strings.TrimSpace(tag.Artist()),
		Album:  strings.TrimSpace(tag.Album()),
		Genre:  strings.TrimSpace(tag.Genre()),
		Year:   leadingInt(tag.Year()),
	}
	if f := tag.GetTextFrame(tag.CommonID("Band/Orchestra/Accompaniment")); f.Text != "" {
		m.AlbumArtist = strings.TrimSpace(f.Text)
	}
	if f := tag.GetTextFrame(tag.CommonID("Track number/Position in set")); f.Text != "" {
		m.TrackNumber = leadingInt(f.Text)
	}
	return m
}

func readVorbisComment(path string) TrackMetadata {
	stream, err := flac.ParseFile(path)
	if err != nil {
		return TrackMetadata{}
	}
	defer stream.Close()

	var m TrackMetadata
	for _, block := range stream.Blocks {
		comment, ok := block.Body.(*flacmeta.VorbisComment)
		if !ok {
			continue
		}
		for _, tag := range comment.Tags {
			value := strings.TrimSpace(tag[1])
			switch strings.ToUpper(tag[0]) {
			case "TITLE":
				m.Title = value
			case "ARTIST":
				m.Artist = value
			case "ALBUM":
				m.Album = value
			case "ALBUMARTIST":
				m.AlbumArtist = value
			case "GENRE":
				m.Genre = value
			case "TRACKNUMBER":
				m.TrackNumber = leadingInt(value)
			case "DATE", "YEAR":
				m.Year = leadingInt(value)
			}
		}
	}
	return m
}

// leadingInt parses the integer prefix of s, so "2019-05-01" gives 2019 and
// "3/12" gives 3.
func leadingInt(s string) int {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0
	}
	return n
}
