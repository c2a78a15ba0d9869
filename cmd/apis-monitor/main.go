// apis-monitor follows a running device's status stream and can arm or
// disarm it remotely.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"

	"github.com/teslashibe/apis-edge/internal/httpc"
)

func main() {
	wsURL := pflag.StringP("url", "u", "ws://localhost:8080/ws/status", "device status stream")
	arm := pflag.Bool("arm", false, "arm the device and exit")
	disarm := pflag.Bool("disarm", false, "disarm the device and exit")
	once := pflag.Bool("once", false, "print the current status and exit")
	raw := pflag.Bool("raw", false, "print frames as received")
	pflag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	api, err := apiBase(*wsURL)
	if err != nil {
		fatalf("❌ %v", err)
	}

	switch {
	case *arm:
		if err := httpc.Post(ctx, api+"/api/arm", nil); err != nil {
			fatalf("❌ Arm refused: %v", err)
		}
		fmt.Println("🟢 Armed")
	case *disarm:
		if err := httpc.Post(ctx, api+"/api/disarm", nil); err != nil {
			fatalf("❌ Disarm failed: %v", err)
		}
		fmt.Println("🟡 Disarmed")
	case *once:
		var st status
		if err := httpc.GetJSON(ctx, api+"/api/status", &st); err != nil {
			fatalf("❌ Status: %v", err)
		}
		fmt.Println(st.line())
	default:
		if err := follow(ctx, *wsURL, *raw); err != nil && !errors.Is(err, context.Canceled) {
			fatalf("❌ %v", err)
		}
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// apiBase turns ws://host:port/ws/status into http://host:port.
func apiBase(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("bad url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("bad url %q: scheme must be ws or wss", raw)
	}
	u.Path, u.RawQuery = "", ""
	return u.String(), nil
}

// follow prints status frames until ctx is cancelled or the device goes away.
func follow(ctx context.Context, wsURL string, raw bool) error {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", wsURL, err)
	}
	defer conn.Close()
	fmt.Printf("📡 Connected to %s\n", wsURL)

	go func() {
		<-ctx.Done()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				fmt.Println("👋 Device closed the stream")
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if raw {
			fmt.Println(string(data))
			continue
		}
		line, err := render(data)
		if err != nil {
			fmt.Fprintf(os.Stderr, "⚠️  %v\n", err)
			continue
		}
		if line != "" {
			fmt.Println(line)
		}
	}
}

// frame is the stream envelope.
type frame struct {
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// status is the subset of the device status the monitor shows.
type status struct {
	Mode           string `json:"mode"`
	Safety         string `json:"safety"`
	SafeModeReason string `json:"safe_mode_reason"`
	Detection      bool   `json:"detection"`
	VoltageMV      int    `json:"voltage_mv"`
	ServoOK        bool   `json:"servo_ok"`
	Targeting      string `json:"targeting"`
	Laser          *struct {
		State  string `json:"state"`
		Active bool   `json:"active"`
	} `json:"laser"`
	Servo *struct {
		Pan  float64 `json:"pan_deg"`
		Tilt float64 `json:"tilt_deg"`
	} `json:"servo"`
}

func render(data []byte) (string, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return "", fmt.Errorf("bad frame: %w", err)
	}
	if f.Type != "status" {
		return "", nil
	}
	var st status
	if err := json.Unmarshal(f.Data, &st); err != nil {
		return "", fmt.Errorf("bad status: %w", err)
	}
	return f.At.Local().Format("15:04:05") + " " + st.line(), nil
}

func (s status) line() string {
	icon := "🟡"
	switch {
	case s.Safety == "safe_mode" || s.Mode == "emergency_stop":
		icon = "🔴"
	case s.Mode == "armed":
		icon = "🟢"
	}
	out := fmt.Sprintf("%s mode=%s safety=%s targeting=%s", icon, s.Mode, s.Safety, s.Targeting)
	if s.SafeModeReason != "" {
		out += fmt.Sprintf(" reason=%q", s.SafeModeReason)
	}
	if s.Laser != nil {
		out += " laser=" + s.Laser.State
		if s.Laser.Active {
			out += " 🔆"
		}
	}
	if s.Servo != nil {
		out += fmt.Sprintf(" aim=%.1f/%.1f", s.Servo.Pan, s.Servo.Tilt)
	}
	if !s.ServoOK {
		out += " servo=FAULT"
	}
	out += fmt.Sprintf(" %dmV", s.VoltageMV)
	return out
}
