// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

package ratelimit

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

type (
	// Preset names a logical operation with its own limit.
	Preset string
)

const (
	AuthLogin         Preset = "AUTH_LOGIN"
	AuthSignup        Preset = "AUTH_SIGNUP"
	AuthPasswordReset Preset = "AUTH_PASSWORD_RESET"
	API               Preset = "API_GENERAL"
	Upload            Preset = "UPLOAD"
	ThirdPartyAPI     Preset = "THIRD_PARTY_API"
	ProfileView       Preset = "PROFILE_VIEW"
	CheckUsername     Preset = "CHECK_USERNAME"
	ContactForm       Preset = "CONTACT_FORM"
)

var (
	ErrUnknownPreset = errors.New("unknown rate limit preset")

	// Presets is the table of limits used across the platform.
	Presets = map[Preset]Rate{
		AuthLogin:         {Limit: 5, Window: 15 * time.Minute},
		AuthSignup:        {Limit: 3, Window: time.Hour},
		AuthPasswordReset: {Limit: 3, Window: time.Hour},
		API:               {Limit: 100, Window: time.Minute},
		Upload:            {Limit: 10, Window: time.Minute},
		ThirdPartyAPI:     {Limit: 30, Window: time.Minute},
		ProfileView:       {Limit: 60, Window: time.Minute},
		CheckUsername:     {Limit: 20, Window: time.Minute},
		ContactForm:       {Limit: 5, Window: time.Hour},
	}
)

// ParsePreset returns the preset named s.
func ParsePreset(s string) (Preset, error) {
	p := Preset(s)
	if _, ok := Presets[p]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPreset, s)
	}

	return p, nil
}

// PresetNames returns every preset sorted by name.
func PresetNames() []Preset {
	names := make([]Preset, 0, len(Presets))
	for p := range Presets {
		names = append(names, p)
	}
	slices.Sort(names)

	return names
}

func (p Preset) Rate() (Rate, error) {
	rate, ok := Presets[p]
	if !ok {
		return Rate{}, fmt.Errorf("%w: %q", ErrUnknownPreset, string(p))
	}

	return rate, nil
}

// Key namespaces subject under the preset, e.g. "AUTH_LOGIN:1.2.3.4".
func (p Preset) Key(subject string) string {
	return string(p) + ":" + subject
}

func (p Preset) String() string {
	return string(p)
}
