package main

import (
	"fmt"
	"slices"
	"time"

	"github.com/nshruti113/dos-protect/internal/emitter"
)

// Expectations are what a healthy episode must show in the security log.
type Expectations struct {
	StressBound   float64
	TimeToHealthy time.Duration
	BadIPs        []string
	ReadyReplicas int
}

// Check returns every expectation rep violates.
func Check(rep emitter.Report, want Expectations) []string {
	var problems []string
	if rep.Lines == 0 {
		return []string{"no security-log events"}
	}
	if !rep.NoAttack {
		problems = append(problems, `no "No Attack" event with dos_attack_id 0`)
	}
	if !rep.AttackStarted {
		problems = append(problems, `no "Attack started" event`)
	}
	if !rep.UnderAttack {
		problems = append(problems, `no "Under Attack" event`)
	}
	if !rep.AttackEnded {
		problems = append(problems, `no "Attack ended" event`)
	}
	switch {
	case rep.TimeToHealthy < 0:
		problems = append(problems, fmt.Sprintf("stress never dropped below %.2f under attack", want.StressBound))
	case want.TimeToHealthy > 0 && rep.TimeToHealthy > want.TimeToHealthy:
		problems = append(problems, fmt.Sprintf("stress below %.2f after %s, want within %s", want.StressBound, rep.TimeToHealthy, want.TimeToHealthy))
	}
	if len(want.BadIPs) > 0 {
		if !rep.BadActorsDetected {
			problems = append(problems, `no "Bad actors detected" event while under attack`)
		}
		for _, ip := range want.BadIPs {
			if !slices.Contains(rep.BadActors, ip) {
				problems = append(problems, fmt.Sprintf("bad actor %s not reported", ip))
			}
		}
	}
	if len(rep.ReadyReplicas) < want.ReadyReplicas {
		problems = append(problems, fmt.Sprintf("%d replicas reported a Ready baseline, want %d", len(rep.ReadyReplicas), want.ReadyReplicas))
	}
	return problems
}
