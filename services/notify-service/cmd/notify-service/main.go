package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/medtransit/scheduling/libs/config"
	"github.com/medtransit/scheduling/libs/db"
	"github.com/medtransit/scheduling/libs/httpx"
	"github.com/medtransit/scheduling/libs/kafkax"
	otelx "github.com/medtransit/scheduling/libs/otel"
	"github.com/medtransit/scheduling/libs/runtime"
	"github.com/medtransit/scheduling/services/notify-service/internal/consumer"
	"github.com/medtransit/scheduling/services/notify-service/internal/email"
	"github.com/medtransit/scheduling/services/notify-service/internal/inbox"
	"github.com/medtransit/scheduling/services/notify-service/internal/sms"
	"github.com/medtransit/scheduling/services/notify-service/internal/storage"
	"github.com/medtransit/scheduling/services/notify-service/migrations"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// scheduleChangePayload mirrors the event body the scheduling service writes
// to its outbox.
type scheduleChangePayload struct {
	EntryID     string `json:"entry_id"`
	VehicleID   string `json:"vehicle_id"`
	DriverID    string `json:"driver_id"`
	BookingID   string `json:"booking_id"`
	BookingType string `json:"booking_type"`
	NewStatus   string `json:"new_status"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
}

func describeChange(eventType string, p scheduleChangePayload) string {
	window := fmt.Sprintf("%s to %s", p.StartTime, p.EndTime)
	switch eventType {
	case "transport.schedule.created.v1":
		return fmt.Sprintf("New transport scheduled: vehicle %s, booking %s, %s.", p.VehicleID, p.BookingID, window)
	case "transport.schedule.updated.v1":
		return fmt.Sprintf("Transport rescheduled: vehicle %s, booking %s, now %s.", p.VehicleID, p.BookingID, window)
	case "transport.schedule.status_changed.v1":
		return fmt.Sprintf("Transport for booking %s is now %s (vehicle %s, %s).", p.BookingID, p.NewStatus, p.VehicleID, window)
	default:
		return fmt.Sprintf("Transport schedule change for booking %s (%s).", p.BookingID, window)
	}
}

func main() {
	service := config.String("SERVICE_NAME", "notify-service")
	port, err := config.Port("PORT", "8085")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}

	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool, migrations.FS); err != nil {
		logger.Error("db migration failed", "err", err)
		panic(err)
	}

	inboxRepo := inbox.NewRepository(pool)
	dispatchRepo := storage.NewRepository(pool)

	emailSender := email.NewSMTPSender(
		config.String("SMTP_HOST", "mailpit"),
		config.String("SMTP_PORT", "1025"),
		config.String("SMTP_FROM", "dispatch@medtransit.local"),
	)
	dispatchDesk := config.String("DISPATCH_DESK_EMAIL", "dispatch-desk@medtransit.local")

	var smsSender sms.Sender
	switch strings.ToLower(config.String("SMS_PROVIDER", "noop")) {
	case "webhook":
		smsSender = sms.NewWebhookSender(config.String("SMS_WEBHOOK_URL", ""), config.String("SMS_WEBHOOK_TOKEN", ""))
	default:
		smsSender = sms.NewNoopSender()
	}

	handle := func(ctx context.Context, msg kafka.Message) error {
		var payload scheduleChangePayload
		if err := json.Unmarshal(msg.Value, &payload); err != nil {
			logger.Error("invalid schedule change payload", "err", err, "topic", msg.Topic)
			return nil
		}
		if payload.EntryID == "" || payload.VehicleID == "" {
			logger.Error("missing schedule change fields", "topic", msg.Topic)
			return nil
		}

		body := describeChange(msg.Topic, payload)

		record := func(channel, recipient, status, reason string) {
			err := dispatchRepo.Insert(ctx, storage.Dispatch{
				EntryID:   payload.EntryID,
				EventType: msg.Topic,
				Channel:   channel,
				Recipient: recipient,
				Payload: map[string]any{
					"booking_id": payload.BookingID,
					"vehicle_id": payload.VehicleID,
					"driver_id":  payload.DriverID,
					"body":       body,
				},
				Status:        status,
				FailureReason: reason,
			})
			if err != nil {
				logger.Error("dispatch record failed", "err", err, "entry_id", payload.EntryID)
			}
		}

		if err := emailSender.Send(dispatchDesk, "Transport schedule update", body); err != nil {
			logger.Error("email dispatch failed", "err", err, "entry_id", payload.EntryID)
			record("email", dispatchDesk, "failed", err.Error())
		} else {
			record("email", dispatchDesk, "sent", "")
		}

		// Drivers get an SMS through the fleet gateway; the gateway resolves
		// the driver id to a phone number.
		if payload.DriverID != "" {
			if err := smsSender.Send(ctx, payload.DriverID, body); err != nil {
				logger.Error("sms dispatch failed", "err", err, "entry_id", payload.EntryID)
				record("sms", payload.DriverID, "failed", err.Error())
			} else {
				record("sms", payload.DriverID, "sent", "")
			}
		}
		return nil
	}

	brokers := config.String("KAFKA_BROKERS", "")
	groupID := config.String("KAFKA_GROUP_ID", "notify-service")
	topics := strings.Split(config.String("KAFKA_CONSUME_TOPICS",
		"transport.schedule.created.v1,transport.schedule.updated.v1,transport.schedule.status_changed.v1"), ",")
	for _, topic := range topics {
		topic = strings.TrimSpace(topic)
		if topic == "" {
			continue
		}
		c := consumer.New(logger, inboxRepo, consumer.Config{
			Brokers: brokers,
			GroupID: groupID,
			Topic:   topic,
		}, handle)
		go c.Run(ctx)
	}

	mux := runtime.NewBaseMux(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	)
	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "notify")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
