package gadget

import "testing"

func TestNewConfigurationRejectsZeroIndex(t *testing.T) {
	power, err := NewMaxPower(100)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewConfiguration(0, power, 0); err == nil {
		t.Fatal("expected error for index 0")
	}
}

func TestConfigurationAddFunctionAndSetName(t *testing.T) {
	power, err := NewMaxPower(250)
	if err != nil {
		t.Fatal(err)
	}
	c, err := NewConfiguration(1, power, ConfigAttrSelfPowered)
	if err != nil {
		t.Fatal(err)
	}
	c.SetName(0x0409, "Simple Gamepad")
	if c.Names[0x0409] != "Simple Gamepad" {
		t.Fatalf("Names[0x0409] = %q, want %q", c.Names[0x0409], "Simple Gamepad")
	}
	if len(c.Functions) != 0 {
		t.Fatalf("Functions = %v, want empty", c.Functions)
	}
}
