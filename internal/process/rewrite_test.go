package process

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmbeddedPort(t *testing.T) {
	cases := []struct {
		command string
		port    int
		found   bool
	}{
		{"vite --port 5173", 5173, true},
		{"vite -p 4000", 4000, true},
		{"PORT=3000 node server.js", 3000, true},
		{"python manage.py runserver 8000", 8000, true},
		{"python manage.py runserver 0.0.0.0:8000", 8000, true},
		{"npm run dev", 0, false},
	}
	for _, tc := range cases {
		port, found := EmbeddedPort(tc.command)
		assert.Equal(t, tc.found, found, tc.command)
		assert.Equal(t, tc.port, port, tc.command)
	}
}

func TestRewritePort(t *testing.T) {
	cases := []struct {
		command string
		want    string
	}{
		{"vite --port 5173", "vite --port 4001"},
		{"vite --port=5173", "vite --port=4001"},
		{"next dev -p 3000", "next dev -p 4001"},
		{"PORT=3000 node server.js", "PORT=4001 node server.js"},
		{"python manage.py runserver 8000", "python manage.py runserver 4001"},
		{"python manage.py runserver 0.0.0.0:8000", "python manage.py runserver 4001"},
		{"npm run dev -- --port $PORT", "npm run dev -- --port 4001"},
		{"vite --port ${PORT}", "vite --port 4001"},
		{"uvicorn main:app --port ${API_PORT}", "uvicorn main:app --port 4001"},
		{"npm run dev", "PORT=4001 npm run dev"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, RewritePort(tc.command, 4001), tc.command)
	}
}
