// Package mqtt provides per-printer MQTT connectivity for PrintWatch.
//
// Every monitored printer gets its own Client: either to the broker embedded
// in the printer (LAN mode, TLS with a self-signed certificate, user "bblp"
// and the printer's access code) or to the regional cloud broker with the
// cloud account's token.
//
// # Lifecycle
//
// Clients do not reconnect on their own. When the connection drops, Done is
// closed and Err wraps ErrConnectionLost. The owning session returns, and
// the supervisor dials again after its restart delay. This keeps the rule
// that a printer never has two live subscriptions, which Dialer counts
// across all clients it created.
//
// # Usage
//
//	dialer := mqtt.NewDialer(cfg.MQTT, logger)
//	client, err := dialer.Dial(ctx, mqtt.Endpoint{
//	    Host: "192.168.1.50", Port: 8883,
//	    Username: "bblp", Password: accessCode,
//	})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.Report(serial), 0, handler)
//	err = client.PublishCommand(mqtt.Topics{}.Request(serial), payload)
package mqtt
