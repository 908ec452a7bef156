// Package cmd implements the eaas command line.
//
// Architecture overview:
//   - worker: dials RabbitMQ with a warm-up delay and bounded attempts, declares the work,
//     retry and dead-letter queues and consumes one delivery at a time (prefetch 1). Each
//     job gets a run log; fetch jobs go through the ingestion pipeline (claim, check, fetch,
//     archive, persist, notify) and email jobs through the digest mailer. A small probe
//     listener serves /health and /metrics on worker.metrics_port.
//   - serve: the read API. GET /liturgy/{date}/{lang} returns a stored day, /v1/jobs lists
//     run logs and POST /v1/jobs publishes a job when a broker is reachable.
//   - enqueue: publishes jobs for one date or an inclusive range of dates and languages.
//
// Configuration comes from an optional .env file, an optional --config file and EAAS_*
// environment variables (see internal/config). Logs are zap JSON in production and
// console output when logging.development is set. SIGINT and SIGTERM cancel the command
// context: the worker finishes and settles the in-flight delivery before closing the
// channel, the connection and the stores.
package cmd
