// Package sightdb stores the history of recognition attempts and
// announcements, so a user can see what the device actually saw.
package sightdb

import (
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"gorm.io/gorm"
)

// SightDB is an SQLite database of sightings and announcements.
type SightDB struct {
	log logs.Log
	db  *gorm.DB
}

// Open or create the database
func Open(log logs.Log, dbPath string) (*SightDB, error) {
	db, err := dbh.OpenDB(log, dbh.MakeSqliteConfig(dbPath), Migrations(log), 0)
	if err != nil {
		return nil, err
	}
	return &SightDB{
		log: log,
		db:  db,
	}, nil
}

// RecordSighting stores one OCR result. Storage failures are logged, not
// returned: history is best-effort, the pipeline never blocks on it.
func (s *SightDB) RecordSighting(sighting *Sighting) {
	if sighting.Time.IsZero() {
		sighting.Time = dbh.MakeIntTime(time.Now())
	}
	if err := s.db.Create(sighting).Error; err != nil {
		s.log.Errorf("Failed to record sighting: %v", err)
	}
}

// RecordAnnouncement stores the announcement of a session.
func (s *SightDB) RecordAnnouncement(announcement *Announcement) {
	if announcement.Time.IsZero() {
		announcement.Time = dbh.MakeIntTime(time.Now())
	}
	if err := s.db.Create(announcement).Error; err != nil {
		s.log.Errorf("Failed to record announcement: %v", err)
	}
}

// RecentSightings returns the newest sightings, up to limit.
func (s *SightDB) RecentSightings(limit int) ([]Sighting, error) {
	sightings := []Sighting{}
	err := s.db.Order("time DESC").Limit(limit).Find(&sightings).Error
	return sightings, err
}

// SightingsForQuery returns all sightings recorded under one correlation id.
func (s *SightDB) SightingsForQuery(correlationID string) ([]Sighting, error) {
	sightings := []Sighting{}
	err := s.db.Where("correlation_id = ?", correlationID).Order("time ASC").Find(&sightings).Error
	return sightings, err
}
