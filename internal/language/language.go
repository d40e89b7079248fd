// Package language classifies text into the closed set of languages the assistant speaks.
package language

import (
	"strings"
	"unicode"
)

// Tag identifies one supported language by its ISO 639-1 code.
type Tag string

const (
	Arabic  Tag = "ar"
	Bengali Tag = "bn"
	Hindi   Tag = "hi"
	English Tag = "en"
)

// Default is used whenever no other script is recognized.
const Default = English

var names = map[Tag]string{
	English: "English",
	Arabic:  "Arabic",
	Hindi:   "Hindi",
	Bengali: "Bengali",
}

// Unicode blocks, not scripts: U+0600-06FF, U+0980-09FF, U+0900-097F.
var (
	arabicBlock     = &unicode.RangeTable{R16: []unicode.Range16{{Lo: 0x0600, Hi: 0x06FF, Stride: 1}}}
	bengaliBlock    = &unicode.RangeTable{R16: []unicode.Range16{{Lo: 0x0980, Hi: 0x09FF, Stride: 1}}}
	devanagariBlock = &unicode.RangeTable{R16: []unicode.Range16{{Lo: 0x0900, Hi: 0x097F, Stride: 1}}}
)

// detectionOrder is the precedence used for mixed-script input.
var detectionOrder = []struct {
	tag   Tag
	table *unicode.RangeTable
}{
	{Arabic, arabicBlock},
	{Bengali, bengaliBlock},
	{Hindi, devanagariBlock},
}

// Detect returns the language of text. Arabic wins over Bengali, Bengali over
// Hindi; anything else is English.
func Detect(text string) Tag {
	for _, candidate := range detectionOrder {
		if containsAny(text, candidate.table) {
			return candidate.tag
		}
	}
	return Default
}

func containsAny(text string, table *unicode.RangeTable) bool {
	for _, r := range text {
		if unicode.Is(table, r) {
			return true
		}
	}
	return false
}

// Parse maps a code such as " BN " to its Tag.
func Parse(code string) (Tag, bool) {
	tag := Tag(strings.ToLower(strings.TrimSpace(code)))
	_, ok := names[tag]
	return tag, ok
}

// Name returns the human readable language name, English for unknown tags.
func (t Tag) Name() string {
	if name, ok := names[t]; ok {
		return name
	}
	return names[English]
}

// Supported reports whether t is part of the closed set.
func (t Tag) Supported() bool {
	_, ok := names[t]
	return ok
}

// OrDefault maps unsupported tags to English.
func (t Tag) OrDefault() Tag {
	if t.Supported() {
		return t
	}
	return Default
}

func (t Tag) String() string { return string(t) }
