package handler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	webhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shardstore_webhook_events_total",
		Help: "Payment gateway webhook events by outcome",
	}, []string{"outcome"})

	deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shardstore_deliveries_total",
		Help: "World delivery attempts by outcome",
	}, []string{"outcome"})

	votePingbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shardstore_vote_pingbacks_total",
		Help: "Vote site pingbacks by outcome",
	}, []string{"outcome"})
)
