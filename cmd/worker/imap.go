package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
	gomail "github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog/log"

	"github.com/opsdesk/servicedesk-go/internal/sla"
	"github.com/opsdesk/servicedesk-go/internal/workflow"
)

// Reply subjects carry the incident number, e.g. "Re: [INC-2026-00042] VPN down".
var incidentRefRe = regexp.MustCompile(`\[(INC-\d{4}-\d{5})\]`)

// pollIMAP connects to the inbox, stores each unseen message raw, and either
// appends a worklog to the referenced incident or opens a new one.
func pollIMAP(ctx context.Context, c Config, db *pgxpool.Pool, mc *minio.Client) error {
	if c.MinIOBucket != "" && mc == nil {
		return fmt.Errorf("MinIO client is nil")
	}
	addr := fmt.Sprintf("%s:993", c.IMAPHost)
	cli, err := imapclient.DialTLS(addr, nil)
	if err != nil {
		return err
	}
	defer cli.Logout()

	if err := cli.Login(c.IMAPUser, c.IMAPPass); err != nil {
		return err
	}

	mbox, err := cli.Select(c.IMAPFolder, false)
	if err != nil {
		return err
	}
	if mbox.Messages == 0 {
		return nil
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	uids, err := cli.Search(criteria)
	if err != nil || len(uids) == 0 {
		return err
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	section := &imap.BodySectionName{}
	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- cli.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope, section.FetchItem()}, messages)
	}()

	incidents := workflow.NewIncidentService(db, sla.NewEngine(&sla.Store{DB: db}))

	for msg := range messages {
		if msg == nil {
			continue
		}
		r := msg.GetBody(section)
		if r == nil {
			continue
		}
		raw, err := io.ReadAll(r)
		if err != nil {
			log.Error().Err(err).Msg("read body")
			continue
		}

		key := fmt.Sprintf("email/%s.eml", uuid.NewString())
		if c.MinIOBucket != "" {
			_, err = mc.PutObject(ctx, c.MinIOBucket, key, bytes.NewReader(raw), int64(len(raw)), minio.PutObjectOptions{})
			if err != nil {
				log.Error().Err(err).Msg("put object")
			}
		}

		mr, err := gomail.CreateReader(bytes.NewReader(raw))
		if err != nil {
			log.Error().Err(err).Msg("parse message")
			continue
		}
		subject := ""
		if s, err := mr.Header.Subject(); err == nil {
			subject = sanitizeEmailHeader(s)
		}
		from := ""
		requester := ""
		if addrs, err := mr.Header.AddressList("From"); err == nil && len(addrs) > 0 {
			from = sanitizeEmailHeader(addrs[0].String())
			requester = sanitizeEmailHeader(addrs[0].Address)
		}
		messageID := ""
		if id, err := mr.Header.MessageID(); err == nil {
			messageID = sanitizeEmailHeader(id)
		}
		cleanBody := sanitizeEmailBody(textBody(mr))
		if requester == "" {
			requester = "unknown@local"
		}

		var incidentID string
		if match := incidentRefRe.FindStringSubmatch(subject); len(match) == 2 {
			inc, err := incidents.Get(ctx, match[1])
			if err == nil {
				incidentID = inc.ID
				if _, err := incidents.AddWorklog(ctx, inc.ID, workflow.WorklogInput{
					By:   requester,
					Note: cleanBody,
				}); err != nil {
					log.Error().Err(err).Str("incident", match[1]).Msg("append email worklog")
				}
			}
		}

		if incidentID == "" {
			title := subject
			if strings.TrimSpace(title) == "" {
				title = "Email from " + requester
			}
			inc, err := incidents.Create(ctx, workflow.CreateIncidentInput{
				Title:       title,
				Description: cleanBody,
				Impact:      sla.LevelMedium,
				Urgency:     sla.LevelMedium,
				Requester:   requester,
				Actor:       "email-intake",
			})
			if err != nil {
				log.Error().Err(err).Str("from", requester).Msg("create incident from email")
				continue
			}
			incidentID = inc.ID
		}

		parsed := map[string]string{
			"subject":     subject,
			"from":        from,
			"incident_id": incidentID,
		}
		pj, err := json.Marshal(parsed)
		if err != nil {
			log.Error().Err(err).Msg("marshal parsed email")
			continue
		}
		var msgID interface{}
		if messageID != "" {
			msgID = messageID
		}
		if _, err := db.Exec(ctx,
			"insert into email_inbound (raw_store_key, parsed_json, message_id, processed_at) values ($1,$2,$3,now()) on conflict do nothing",
			key, pj, msgID); err != nil {
			log.Error().Err(err).Msg("insert email_inbound")
		}

		seq := new(imap.SeqSet)
		seq.AddNum(msg.SeqNum)
		if err := cli.Store(seq, imap.AddFlags, []interface{}{imap.SeenFlag}, nil); err != nil {
			log.Error().Err(err).Msg("store flags")
		}
	}
	return <-done
}

// textBody returns the first inline part of the message, which for both plain
// and multipart mail is the human-written body.
func textBody(mr *gomail.Reader) []byte {
	for {
		p, err := mr.NextPart()
		if err != nil {
			return nil
		}
		if _, ok := p.Header.(*gomail.InlineHeader); ok {
			b, err := io.ReadAll(p.Body)
			if err != nil {
				return nil
			}
			return b
		}
	}
}
