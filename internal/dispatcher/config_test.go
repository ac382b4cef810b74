package dispatcher

import (
	"testing"
	"time"
)

func TestMemoryConfig_WithDefaults(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   MemoryConfig
		want MemoryConfig
	}{
		{
			name: "zero values filled",
			in:   MemoryConfig{},
			want: MemoryConfig{BufferSize: 10000, Workers: 10, HTTPTimeout: 10 * time.Second},
		},
		{
			name: "negative values filled",
			in:   MemoryConfig{BufferSize: -1, Workers: -1, HTTPTimeout: -time.Second},
			want: MemoryConfig{BufferSize: 10000, Workers: 10, HTTPTimeout: 10 * time.Second},
		},
		{
			name: "tuned values kept",
			in:   MemoryConfig{BufferSize: 500, Workers: 5, HTTPTimeout: 20 * time.Second},
			want: MemoryConfig{BufferSize: 500, Workers: 5, HTTPTimeout: 20 * time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.in.withDefaults(); got != tt.want {
				t.Errorf("withDefaults() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("DISPATCHER_BUFFER_SIZE", "250")
	t.Setenv("DISPATCHER_WORKERS", "4")
	t.Setenv("DISPATCHER_HTTP_TIMEOUT", "3s")

	got := LoadConfigFromEnv()
	want := MemoryConfig{BufferSize: 250, Workers: 4, HTTPTimeout: 3 * time.Second}
	if got != want {
		t.Errorf("LoadConfigFromEnv() = %+v, want %+v", got, want)
	}
}

func TestLoadConfigFromEnv_BadValuesFallBack(t *testing.T) {
	t.Setenv("DISPATCHER_BUFFER_SIZE", "lots")
	t.Setenv("DISPATCHER_WORKERS", "")
	t.Setenv("DISPATCHER_HTTP_TIMEOUT", "soon")

	got := LoadConfigFromEnv()
	want := MemoryConfig{BufferSize: 10000, Workers: 10, HTTPTimeout: 10 * time.Second}
	if got != want {
		t.Errorf("LoadConfigFromEnv() = %+v, want %+v", got, want)
	}
}
