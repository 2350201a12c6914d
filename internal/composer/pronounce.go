package composer

import (
	"math"
	"strconv"
	"strings"
)

var digitWords = [10]string{"zero", "one", "two", "three", "four", "five", "six", "seven", "eight", "niner"}

var icaoAlphabet = [26]string{
	"alpha", "bravo", "charlie", "delta", "echo", "foxtrot", "golf", "hotel",
	"india", "juliett", "kilo", "lima", "mike", "november", "oscar", "papa",
	"quebec", "romeo", "sierra", "tango", "uniform", "victor", "whiskey",
	"xray", "yankee", "zulu",
}

// Round rounds n to the given number of decimal places, half away from zero.
func Round(n float64, places int) float64 {
	if places == 0 {
		return math.Round(n)
	}
	m := math.Pow(10, float64(places))
	return math.Round(n*m) / m
}

// RoundHundreds truncates n to a multiple of one hundred.
func RoundHundreds(n int) int {
	return (n / 100) * 100
}

// PronounceNumber spells a formatted number digit by digit the way it is read
// on the radio: "29.92" becomes "two niner decimal niner two".
func PronounceNumber(s string) string {
	words := make([]string, 0, len(s))
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			words = append(words, digitWords[r-'0'])
		case r == '.':
			words = append(words, "decimal")
		case r == '-':
			words = append(words, "minus")
		default:
			words = append(words, string(r))
		}
	}
	return strings.Join(words, " ")
}

func pronounceInt(n int) string {
	return PronounceNumber(strconv.Itoa(n))
}

// pronounceHeight reads a height in feet as thousands and hundreds.
func pronounceHeight(feet int) string {
	feet = RoundHundreds(feet)
	thousands := feet / 1000
	hundreds := (feet % 1000) / 100
	var parts []string
	if thousands > 0 {
		parts = append(parts, pronounceInt(thousands), "thousand")
	}
	if hundreds > 0 {
		parts = append(parts, digitWords[hundreds], "hundred")
	}
	if len(parts) == 0 {
		return "zero"
	}
	return strings.Join(parts, " ")
}

// pronounceFrequency formats megahertz with at least one decimal place.
func pronounceFrequency(mhz float64) string {
	s := strconv.FormatFloat(Round(mhz, 3), 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return PronounceNumber(s)
}

// InformationLetter picks the phonetic letter for an observation hour.
func InformationLetter(hour int) string {
	if hour < 0 {
		hour = -hour
	}
	return icaoAlphabet[hour%len(icaoAlphabet)]
}
