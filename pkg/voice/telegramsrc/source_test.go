package telegramsrc

import "testing"

func TestChunkPCM(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		pcmLen   int
		size     int
		wantLens []int
	}{
		{name: "empty", pcmLen: 0, size: 4, wantLens: nil},
		{name: "exact multiple", pcmLen: 8, size: 4, wantLens: []int{4, 4}},
		{name: "short tail", pcmLen: 10, size: 4, wantLens: []int{4, 4, 2}},
		{name: "single short frame", pcmLen: 2, size: 3200, wantLens: []int{2}},
		{name: "odd size rounds down to sample pair", pcmLen: 6, size: 3, wantLens: []int{2, 2, 2}},
		{name: "size below sample width clamps", pcmLen: 4, size: 1, wantLens: []int{2, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pcm := make([]byte, tt.pcmLen)
			for i := range pcm {
				pcm[i] = byte(i)
			}

			got := ChunkPCM(pcm, tt.size)
			if len(got) != len(tt.wantLens) {
				t.Fatalf("chunk count = %d, want %d", len(got), len(tt.wantLens))
			}
			off := 0
			for i, chunk := range got {
				if len(chunk) != tt.wantLens[i] {
					t.Errorf("chunk[%d] len = %d, want %d", i, len(chunk), tt.wantLens[i])
				}
				for j, b := range chunk {
					if b != byte(off+j) {
						t.Errorf("chunk[%d][%d] = %d, want %d", i, j, b, off+j)
					}
				}
				off += len(chunk)
			}
		})
	}
}
