package main

import (
	"flag"
	"testing"
)

func TestSweeperEnabled(t *testing.T) {
	cases := []struct {
		name string
		args []string
		cfg  bool
		want bool
	}{
		{name: "env on without flag", args: nil, cfg: true, want: true},
		{name: "env off without flag", args: nil, cfg: false, want: false},
		{name: "flag forces on over env off", args: []string{"-run-sweeper=true"}, cfg: false, want: true},
		{name: "flag forces off over env on", args: []string{"-run-sweeper=false"}, cfg: true, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fs := flag.NewFlagSet("test", flag.ContinueOnError)
			flagValue := fs.Bool("run-sweeper", true, "")
			if err := fs.Parse(tc.args); err != nil {
				t.Fatalf("parse %v: %v", tc.args, err)
			}
			if got := sweeperEnabled(fs, *flagValue, tc.cfg); got != tc.want {
				t.Fatalf("sweeperEnabled(%v, cfg=%v) = %v, want %v", tc.args, tc.cfg, got, tc.want)
			}
		})
	}
}
