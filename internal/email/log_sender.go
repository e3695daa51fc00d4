package email

import (
	"context"

	"go.uber.org/zap"
)

// LogSender escribe el correo en el log en lugar de enviarlo.
// Solo para desarrollo: registra destinatarios y contenido completo.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, toEmail string, subject string, htmlBody string) error {
	s.logger.Info("send email",
		zap.String("to", toEmail),
		zap.String("subject", subject),
		zap.String("body", htmlBody),
	)
	return nil
}
