package dlog

import (
	"os"
	"strings"
	"testing"
)

func init() {
	Testing = 1
	SetUseColors(false)
}

func TestTime(t *testing.T) {
	Testing = 2
	SetDebugVisible(1)
	defer func() { Testing = 1 }()
	Lvl1("No time")
	if !strings.Contains(TestStr, "1 : (") {
		t.Fatal("Didn't get correct string: ", TestStr)
	}
	SetShowTime(true)
	defer func() { SetShowTime(false) }()
	Lvl1("With time")
	if strings.Contains(TestStr, "1 : (With") {
		t.Fatal("Didn't get correct string: ", TestStr)
	}
	if !strings.Contains(TestStr, "With time") {
		t.Fatal("Didn't get correct string: ", TestStr)
	}
}

func TestFlags(t *testing.T) {
	test := Testing
	Testing = 2
	lvl := DebugVisible()
	tm := ShowTime()
	color := UseColors()
	SetDebugVisible(1)

	os.Setenv("DEBUG_LVL", "")
	os.Setenv("DEBUG_TIME", "")
	os.Setenv("DEBUG_COLOR", "")
	ParseEnv()
	if DebugVisible() != 1 {
		t.Fatal("Debugvisible should be 1")
	}
	if ShowTime() {
		t.Fatal("ShowTime should be false")
	}
	if !UseColors() {
		t.Fatal("UseColors should be true")
	}

	os.Setenv("DEBUG_LVL", "3")
	os.Setenv("DEBUG_TIME", "true")
	os.Setenv("DEBUG_COLOR", "false")
	ParseEnv()
	if DebugVisible() != 3 {
		t.Fatal("DebugVisible should be 3")
	}
	if !ShowTime() {
		t.Fatal("ShowTime should be true")
	}
	if UseColors() {
		t.Fatal("UseColors should be false")
	}

	os.Setenv("DEBUG_LVL", "")
	os.Setenv("DEBUG_TIME", "")
	os.Setenv("DEBUG_COLOR", "")
	SetDebugVisible(lvl)
	SetShowTime(tm)
	SetUseColors(color)
	Testing = test
}

func TestLevelFiltering(t *testing.T) {
	Testing = 2
	defer func() { Testing = 1 }()
	SetDebugVisible(2)
	defer SetDebugVisible(1)

	TestStr = ""
	Lvl5("should be filtered")
	if TestStr != "" {
		t.Fatal("level 5 should not print at visibility 2:", TestStr)
	}
	Lvl2("should print")
	if !strings.Contains(TestStr, "should print") {
		t.Fatal("level 2 should print at visibility 2:", TestStr)
	}
}
