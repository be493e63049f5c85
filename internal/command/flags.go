// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package command

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DurationFlag implements flag.Value to save a user-supplied integer value
// with time units to a time.Duration.
type DurationFlag struct {
	units time.Duration
	dst   *time.Duration
}

// NewDurationFlag returns a DurationFlag that will save a duration with the
// supplied units to dst. def is assigned to dst immediately.
func NewDurationFlag(units time.Duration, dst *time.Duration, def time.Duration) *DurationFlag {
	*dst = def
	return &DurationFlag{units, dst}
}

func (f *DurationFlag) String() string {
	if f.dst == nil {
		return ""
	}
	return strconv.FormatInt(int64(*f.dst/f.units), 10)
}

// Set parses v as an integer number of units.
func (f *DurationFlag) Set(v string) error {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return err
	}
	if n < 0 {
		return fmt.Errorf("negative duration %d", n)
	}
	*f.dst = time.Duration(n) * f.units
	return nil
}

// EnumFlag implements flag.Value to map a user-supplied string value to an enum value.
type EnumFlag struct {
	valid  map[string]int     // map from user-supplied string value to int value
	assign EnumFlagAssignFunc // used to assign int value to dest
	def    string             // default value
}

// EnumFlagAssignFunc is used by EnumFlag to assign an enum value to a target variable.
type EnumFlagAssignFunc func(val int)

// NewEnumFlag returns an EnumFlag using the supplied map of valid values and assignment function.
// def contains a default value to assign when the flag is unspecified.
func NewEnumFlag(valid map[string]int, assign EnumFlagAssignFunc, def string) *EnumFlag {
	f := EnumFlag{valid, assign, def}
	if err := f.Set(def); err != nil {
		panic(err)
	}
	return &f
}

// Default returns the default value used if the flag is unset.
func (f *EnumFlag) Default() string { return f.def }

// QuotedValues returns a comma-separated list of quoted values the user can supply.
func (f *EnumFlag) QuotedValues() string {
	var qn []string
	for n := range f.valid {
		qn = append(qn, fmt.Sprintf("%q", n))
	}
	sort.Strings(qn)
	return strings.Join(qn, ", ")
}

func (f *EnumFlag) String() string { return "" }

// Set assigns the enum value named v.
func (f *EnumFlag) Set(v string) error {
	ev, ok := f.valid[v]
	if !ok {
		return fmt.Errorf("must be in %s", f.QuotedValues())
	}
	f.assign(ev)
	return nil
}

// ListFlag implements flag.Value to split a user-supplied string with a custom
// delimiter into a slice of strings.
type ListFlag struct {
	sep    string
	assign func(vals []string)
}

// NewListFlag returns a ListFlag using sep as the delimiter. def is assigned
// immediately if non-nil.
func NewListFlag(sep string, assign func(vals []string), def []string) *ListFlag {
	if def != nil {
		assign(def)
	}
	return &ListFlag{sep, assign}
}

func (f *ListFlag) String() string { return "" }

// Set splits v by the delimiter and assigns the result.
func (f *ListFlag) Set(v string) error {
	f.assign(strings.Split(v, f.sep))
	return nil
}

// RepeatedFlag implements flag.Value around an assignment function that is
// executed each time the flag is supplied.
type RepeatedFlag func(v string) error

func (f *RepeatedFlag) String() string { return "" }

// Set calls the underlying function.
func (f *RepeatedFlag) Set(v string) error { return (*f)(v) }
