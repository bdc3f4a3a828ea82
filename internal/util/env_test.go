package util

import "testing"

func TestParseBoolEnv(t *testing.T) {
	t.Setenv("OPDFLOW_TEST_BOOL", "yes")
	if !ParseBoolEnv("OPDFLOW_TEST_BOOL", false) {
		t.Error("expected yes to parse as true")
	}
	t.Setenv("OPDFLOW_TEST_BOOL", "off")
	if ParseBoolEnv("OPDFLOW_TEST_BOOL", true) {
		t.Error("expected off to parse as false")
	}
	t.Setenv("OPDFLOW_TEST_BOOL", "banana")
	if !ParseBoolEnv("OPDFLOW_TEST_BOOL", true) {
		t.Error("expected invalid value to fall back to default")
	}
	if ParseBoolEnv("OPDFLOW_TEST_BOOL_UNSET", false) {
		t.Error("expected unset variable to fall back to default")
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("OPDFLOW_TEST_INT", " 45 ")
	if got := ParseIntEnv("OPDFLOW_TEST_INT", 30); got != 45 {
		t.Errorf("expected 45, got %d", got)
	}
	t.Setenv("OPDFLOW_TEST_INT", "soon")
	if got := ParseIntEnv("OPDFLOW_TEST_INT", 30); got != 30 {
		t.Errorf("expected default 30 for invalid value, got %d", got)
	}
	if got := ParseIntEnv("OPDFLOW_TEST_INT_UNSET", 30); got != 30 {
		t.Errorf("expected default 30 for unset variable, got %d", got)
	}
}

func TestGetenvDefault(t *testing.T) {
	t.Setenv("OPDFLOW_TEST_STR", "value")
	if got := GetenvDefault("OPDFLOW_TEST_STR", "fallback"); got != "value" {
		t.Errorf("expected value, got %q", got)
	}
	if got := GetenvDefault("OPDFLOW_TEST_STR_UNSET", "fallback"); got != "fallback" {
		t.Errorf("expected fallback, got %q", got)
	}
}
