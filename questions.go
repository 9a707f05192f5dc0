/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"crypto/rand"
)

// PromptSet holds the two prompts for one level, one per slot.
type PromptSet struct {
	P1Prompt string `json:"p1Prompt"`
	P2Prompt string `json:"p2Prompt"`
}

type answerSet struct {
	p1 float64
	p2 float64
}

// challengeSet pairs the prompts shown to the players with the answers
// kept server-side.
type challengeSet struct {
	prompts PromptSet
	answers answerSet
}

// Levels are keyed by number, each with a pool of interchangeable
// challenge pairs. Difficulty ramps from single-digit arithmetic up to
// squares and multi-step expressions.
var questionCatalog = map[int][]challengeSet{
	1: {
		{
			prompts: PromptSet{P1Prompt: "12 + 5 = _", P2Prompt: "15 - _ = 10"},
			answers: answerSet{p1: 17, p2: 5},
		},
		{
			prompts: PromptSet{P1Prompt: "_ + 7 = 15", P2Prompt: "8 + 8 = _"},
			answers: answerSet{p1: 8, p2: 16},
		},
	},
	2: {
		{
			prompts: PromptSet{P1Prompt: "25 + 14 = _", P2Prompt: "45 - _ = 20"},
			answers: answerSet{p1: 39, p2: 25},
		},
		{
			prompts: PromptSet{P1Prompt: "_ + 12 = 40", P2Prompt: "33 + 17 = _"},
			answers: answerSet{p1: 28, p2: 50},
		},
	},
	3: {
		{
			prompts: PromptSet{P1Prompt: "5 * 4 = _", P2Prompt: "12 + 12 + _ = 30"},
			answers: answerSet{p1: 20, p2: 6},
		},
		{
			prompts: PromptSet{P1Prompt: "3 * _ = 21", P2Prompt: "50 - 15 - 5 = _"},
			answers: answerSet{p1: 7, p2: 30},
		},
	},
	4: {
		{
			prompts: PromptSet{P1Prompt: "32 / 4 = _", P2Prompt: "(10 * 2) + _ = 25"},
			answers: answerSet{p1: 8, p2: 5},
		},
		{
			prompts: PromptSet{P1Prompt: "_ / 3 = 9", P2Prompt: "100 - (20 + 30) = _"},
			answers: answerSet{p1: 27, p2: 50},
		},
	},
	5: {
		{
			prompts: PromptSet{P1Prompt: "12 * 12 = _", P2Prompt: "150 / _ = 3"},
			answers: answerSet{p1: 144, p2: 50},
		},
		{
			prompts: PromptSet{P1Prompt: "_ * 5 = 75", P2Prompt: "(4 * 4) + (3 * 3) = _"},
			answers: answerSet{p1: 15, p2: 25},
		},
	},
	6: {
		{
			prompts: PromptSet{P1Prompt: "15 * 15 = _", P2Prompt: "_ / 6 = 12"},
			answers: answerSet{p1: 225, p2: 72},
		},
		{
			prompts: PromptSet{P1Prompt: "(7 * 8) - 14 = _", P2Prompt: "240 / _ = 8"},
			answers: answerSet{p1: 42, p2: 30},
		},
	},
	7: {
		{
			prompts: PromptSet{P1Prompt: "13 * 11 = _", P2Prompt: "(100 - 19) / 9 = _"},
			answers: answerSet{p1: 143, p2: 9},
		},
		{
			prompts: PromptSet{P1Prompt: "_ * 9 = 117", P2Prompt: "(6 * 6) + (8 * 8) = _"},
			answers: answerSet{p1: 13, p2: 100},
		},
	},
}

// fetchChallenge returns a uniformly random challenge pair for the given
// level, or ok=false once the catalog has no more levels.
func fetchChallenge(level int) (challengeSet, bool) {
	pool := questionCatalog[level]
	if len(pool) == 0 {
		return challengeSet{}, false
	}

	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return pool[0], true
	}

	return pool[int(b[0])%len(pool)], true
}
