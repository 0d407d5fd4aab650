package alert

import log "github.com/sirupsen/logrus"

// LogSpeaker writes announcements to the service log.
type LogSpeaker struct {
	Logger *log.Logger
}

func (s LogSpeaker) Speak(text, lang string) {
	s.Logger.WithFields(log.Fields{"lang": lang, "text": text}).Info("speak")
}
