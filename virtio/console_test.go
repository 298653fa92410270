package virtio

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
)

func TestConsoleReadConfig(t *testing.T) {
	c := &Console{Cols: 80, Rows: 25}

	t.Run("size", func(t *testing.T) {
		buf := make([]byte, 12)
		if err := c.ReadConfig(buf, 0); err != nil {
			t.Fatal(err)
		}

		var cfg consoleConfig
		if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &cfg); err != nil {
			t.Fatal(err)
		}

		if cfg.Cols != 80 || cfg.Rows != 25 {
			t.Errorf("size %dx%d != 80x25", cfg.Cols, cfg.Rows)
		}

		if cfg.MaxNrPorts != 1 {
			t.Errorf("max_nr_ports %d != 1", cfg.MaxNrPorts)
		}
	})

	t.Run("unaligned", func(t *testing.T) {
		buf := make([]byte, 1)
		if err := c.ReadConfig(buf, 2); err != nil {
			t.Fatal(err)
		}

		if buf[0] != 25 {
			t.Errorf("rows low byte %d != 25", buf[0])
		}
	})

	t.Run("oob", func(t *testing.T) {
		buf := make([]byte, 4)
		if err := c.ReadConfig(buf, 10); err == nil {
			t.Error("no error")
		}
	})
}

func TestConsoleWriteConfig(t *testing.T) {
	var out strings.Builder
	c := &Console{Out: &out}

	if err := c.WriteConfig([]byte{'!'}, consoleEmergWrOff); err != nil {
		t.Fatal(err)
	}

	// the upper bytes of emerg_wr are accepted and ignored
	if err := c.WriteConfig([]byte{0}, consoleEmergWrOff+1); err != nil {
		t.Fatal(err)
	}

	if out.String() != "!" {
		t.Errorf("out %q != %q", out.String(), "!")
	}

	if err := c.WriteConfig([]byte{1}, 0); err == nil {
		t.Error("cols write: no error")
	}

	if err := (&Console{}).WriteConfig([]byte{'!'}, consoleEmergWrOff); err == nil {
		t.Error("emerg_wr without out: no error")
	}
}

func TestConsoleFeatures(t *testing.T) {
	tests := []struct {
		name string
		c    Console
		want uint64
	}{
		{"none", Console{}, 0},
		{"size", Console{Cols: 1}, consoleFSize},
		{"emerg_wr", Console{Out: &bytes.Buffer{}}, consoleFEmergWr},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.c.GetFeatures(); got != tt.want {
				t.Errorf("features %#x != %#x", got, tt.want)
			}
		})
	}
}
