// Package logadapter glues third-party library logging interfaces to zap.
package logadapter

import "go.uber.org/zap"

// Badger2Zap makes a zap logger satisfy BadgerDB's badger.Logger interface.
type Badger2Zap struct {
	*zap.SugaredLogger
}

// NewBadger2Zap creates a new Badger2Zap logger
func NewBadger2Zap(logger *zap.Logger) *Badger2Zap {
	return &Badger2Zap{
		SugaredLogger: logger.Sugar(),
	}
}

func (logger *Badger2Zap) Warningf(template string, args ...interface{}) {
	logger.Warnf(template, args...)
}
