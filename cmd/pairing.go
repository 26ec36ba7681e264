package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/gorilla/websocket"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/pairgate/pkg/protocol"
)

func pairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Pair bots against a running server (generate, verify, list, status, watch)",
	}

	cmd.AddCommand(pairGenerateCmd())
	cmd.AddCommand(pairVerifyCmd())
	cmd.AddCommand(pairListCmd())
	cmd.AddCommand(pairStatusCmd())
	cmd.AddCommand(pairWatchCmd())

	return cmd
}

func pairGenerateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate <botId> <phoneNumber>",
		Short: "Issue a pairing code for a bot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			var out struct {
				BotID        string    `json:"botId"`
				PairingCode  string    `json:"pairingCode"`
				Instructions string    `json:"instructions"`
				ExpiresIn    string    `json:"expiresIn"`
				ExpiresAt    time.Time `json:"expiresAt"`
			}
			body := map[string]string{"botId": args[0], "phoneNumber": args[1]}
			if err := client.do(cmd.Context(), "POST", "/pair/generate", body, &out); err != nil {
				return err
			}

			fmt.Printf("Pairing code for %s: %s\n", out.BotID, out.PairingCode)
			fmt.Printf("Expires in %s (at %s)\n", out.ExpiresIn, out.ExpiresAt.Local().Format(time.Kitchen))
			if out.Instructions != "" {
				fmt.Println()
				fmt.Println(out.Instructions)
			}
			return nil
		},
	}
}

func pairVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <botId> <code>",
		Short: "Verify a pairing code and obtain the linking code for the phone",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			var out struct {
				BotID       string `json:"botId"`
				LinkingCode string `json:"linkingCode"`
			}
			body := map[string]string{"botId": args[0], "code": args[1]}
			if err := client.do(cmd.Context(), "POST", "/pair/verify", body, &out); err != nil {
				return err
			}
			fmt.Printf("Code verified for %s.\n", out.BotID)
			fmt.Printf("Enter this code on the phone (Linked devices > Link with phone number): %s\n", out.LinkingCode)
			return nil
		},
	}
}

func pairListCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List connected bots",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			var out struct {
				Total int `json:"total"`
				Bots  []struct {
					BotID string `json:"botId"`
					User  *struct {
						ID   string `json:"id"`
						Name string `json:"name"`
					} `json:"user"`
					ConnectedAt time.Time `json:"connectedAt"`
				} `json:"bots"`
			}
			if err := client.do(cmd.Context(), "GET", "/pair/connected", nil, &out); err != nil {
				return err
			}

			if jsonOutput {
				data, _ := json.MarshalIndent(out, "", "  ")
				fmt.Println(string(data))
				return nil
			}
			if out.Total == 0 {
				fmt.Println("No connected bots.")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "BOT\tUSER\tNAME\tCONNECTED")
			for _, b := range out.Bots {
				var id, name string
				if b.User != nil {
					id, name = b.User.ID, b.User.Name
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s ago\n", b.BotID, id, name, time.Since(b.ConnectedAt).Truncate(time.Second))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func pairStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <botId>",
		Short: "Show a bot's connection status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			var out json.RawMessage
			if err := client.do(cmd.Context(), "GET", "/pair/status/"+args[0], nil, &out); err != nil {
				return err
			}
			var pretty map[string]interface{}
			json.Unmarshal(out, &pretty)
			data, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	}
}

func pairWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [botId...]",
		Short: "Stream session events, rendering QR codes in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return watchEvents(ctx, client.wsURL(), args)
		},
	}
}

// watchEvents prints every event frame until ctx ends or the server closes
// the stream. botIDs, when given, narrow the stream server-side.
func watchEvents(ctx context.Context, wsURL string, botIDs []string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("connect to event stream: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}()

	if len(botIDs) > 0 {
		if err := conn.WriteJSON(protocol.SubscribeFrame{Type: protocol.FrameTypeSubscribe, BotIDs: botIDs}); err != nil {
			return fmt.Errorf("send subscribe: %w", err)
		}
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}

		frameType, _ := protocol.ParseFrameType(msg)
		switch frameType {
		case protocol.FrameTypeHello:
			var hello protocol.HelloFrame
			json.Unmarshal(msg, &hello)
			fmt.Printf("Connected (client %s, protocol %d). Waiting for events...\n", hello.ClientID, hello.Protocol)
		case protocol.FrameTypeEvent:
			printEvent(msg)
		}
	}
}

func printEvent(msg []byte) {
	var frame struct {
		Event   string          `json:"event"`
		Seq     int64           `json:"seq"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(msg, &frame); err != nil {
		return
	}
	ts := time.Now().Format("15:04:05")

	if frame.Event == protocol.EventQRGenerated {
		var qr protocol.QRGenerated
		json.Unmarshal(frame.Payload, &qr)
		fmt.Printf("%s #%d %s bot=%s\n", ts, frame.Seq, frame.Event, qr.BotID)
		if q, err := qrcode.New(qr.QR, qrcode.Low); err == nil {
			fmt.Println(q.ToSmallString(false))
		}
		return
	}
	fmt.Printf("%s #%d %s %s\n", ts, frame.Seq, frame.Event, frame.Payload)
}
