// Package composer turns station and weather data into the spoken text of a
// broadcast.
package composer

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/loqalabs/loqa-atis/internal/station"
)

const (
	metersPerStatuteMile = 1609.344
	maxVisibilityMeters  = 10000
)

var coverageWords = map[string]string{
	"FEW": "few",
	"SCT": "scattered",
	"BKN": "broken",
	"OVC": "overcast",
}

// Compose builds the report text for st using wx. It is a pure function: the
// same inputs always give the same text.
func Compose(st station.Station, wx station.WeatherReport) (string, error) {
	if err := st.Validate(); err != nil {
		return "", err
	}
	if st.Kind == station.KindMessage {
		return strings.TrimSpace(st.Message), nil
	}
	if wx.Timestamp.IsZero() {
		return "", fmt.Errorf("%w: station %s has no weather observation", station.ErrInvalidStationState, st.ID)
	}
	if wx.QNH <= 0 {
		return "", fmt.Errorf("%w: station %s has no pressure", station.ErrInvalidStationState, st.ID)
	}

	obs := wx.Timestamp.UTC()
	letter := InformationLetter(obs.Hour())

	var r report
	r.add("This is %s information %s", st.Name, letter)
	r.add("Broadcasting on %s", pronounceFrequency(st.FrequencyMHz()))
	r.add("Time %s zulu", PronounceNumber(obs.Format("1504")))

	windDir := normalizeDirection(wx.WindDirection)
	windSpeed := int(Round(wx.WindSpeedKnots, 0))
	calm := windSpeed < 1

	if rwy, ok := activeRunway(st.Runways, windDir, calm); ok {
		r.add("Runway in use %s", pronounceRunway(rwy))
	}
	if calm {
		r.add("Wind calm")
	} else {
		r.add("Wind %s at %s", PronounceNumber(fmt.Sprintf("%03d", windDir)), pronounceInt(windSpeed))
	}
	if vis := visibility(wx.VisibilityMeters, st.Units); vis != "" {
		r.add("Visibility %s", vis)
	}
	r.add("%s", clouds(wx.Clouds))

	temp := fmt.Sprintf("Temperature %s", pronounceInt(int(Round(wx.TemperatureC, 0))))
	if wx.DewpointC != nil {
		temp += fmt.Sprintf(", dew point %s", pronounceInt(int(Round(*wx.DewpointC, 0))))
	}
	r.add("%s", temp)

	if st.Units == station.UnitsMetric {
		r.add("QNH %s", pronounceInt(int(Round(wx.QNH, 0))))
	} else {
		alt := strings.Replace(fmt.Sprintf("%.2f", Round(wx.AltimeterInHg(), 2)), ".", "", 1)
		r.add("Altimeter %s", PronounceNumber(alt))
	}
	r.add("Advise on initial contact you have information %s", letter)
	return r.String(), nil
}

type report struct {
	sentences []string
}

func (r *report) add(format string, args ...any) {
	s := strings.TrimSpace(fmt.Sprintf(format, args...))
	if s == "" {
		return
	}
	runes := []rune(s)
	runes[0] = unicode.ToUpper(runes[0])
	r.sentences = append(r.sentences, string(runes))
}

func (r *report) String() string {
	return strings.Join(r.sentences, ". ") + "."
}

func normalizeDirection(deg float64) int {
	d := int(Round(deg, 0)) % 360
	if d < 0 {
		d += 360
	}
	if d == 0 {
		return 360
	}
	return d
}

// activeRunway picks the runway whose heading is closest to the wind. With
// calm wind the first configured runway is used.
func activeRunway(runways []string, windDir int, calm bool) (string, bool) {
	best := ""
	bestDiff := math.MaxInt
	for _, rwy := range runways {
		heading, ok := runwayHeading(rwy)
		if !ok {
			continue
		}
		if calm {
			return rwy, true
		}
		diff := angularDiff(heading, windDir)
		if diff < bestDiff {
			best, bestDiff = rwy, diff
		}
	}
	return best, best != ""
}

func runwayHeading(rwy string) (int, bool) {
	digits := strings.TrimRightFunc(strings.TrimSpace(rwy), unicode.IsLetter)
	n, err := strconv.Atoi(digits)
	if err != nil || n < 1 || n > 36 {
		return 0, false
	}
	return n * 10, true
}

func angularDiff(a, b int) int {
	d := a - b
	if d < 0 {
		d = -d
	}
	d %= 360
	if d > 180 {
		d = 360 - d
	}
	return d
}

func pronounceRunway(rwy string) string {
	rwy = strings.ToUpper(strings.TrimSpace(rwy))
	digits := strings.TrimRightFunc(rwy, unicode.IsLetter)
	spoken := PronounceNumber(digits)
	switch strings.TrimPrefix(rwy, digits) {
	case "L":
		spoken += " left"
	case "R":
		spoken += " right"
	case "C":
		spoken += " center"
	}
	return spoken
}

func visibility(meters float64, units station.Units) string {
	if meters <= 0 {
		return ""
	}
	if meters > maxVisibilityMeters {
		meters = maxVisibilityMeters
	}
	if units == station.UnitsMetric {
		if meters >= 5000 {
			return pronounceInt(int(Round(meters/1000, 0))) + " kilometers"
		}
		return pronounceHeight(int(meters)) + " meters"
	}
	miles := int(Round(meters/metersPerStatuteMile, 0))
	if miles < 1 {
		return "less than one mile"
	}
	if miles == 1 {
		return "one mile"
	}
	return pronounceInt(miles) + " miles"
}

func clouds(layers []station.CloudLayer) string {
	var parts []string
	for _, layer := range layers {
		word, ok := coverageWords[strings.ToUpper(layer.Coverage)]
		if !ok {
			continue
		}
		parts = append(parts, word+" "+pronounceHeight(layer.BaseFeet))
	}
	if len(parts) == 0 {
		return "Sky clear"
	}
	return "Clouds " + strings.Join(parts, ", ")
}
