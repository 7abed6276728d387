// Package geoip resolves source addresses to a coarse country/city location.
package geoip

import (
	"fmt"
	"net"

	"github.com/BradenHooton/bastion/internal/models"
	"github.com/oschwald/geoip2-golang"
)

// Resolver looks up the location of an address. A nil location with a nil
// error means the address is unknown to the database.
type Resolver interface {
	Lookup(address string) (*models.GeoLocation, error)
	Close() error
}

// MaxMindResolver reads a GeoLite2/GeoIP2 City database
type MaxMindResolver struct {
	reader *geoip2.Reader
}

func Open(path string) (*MaxMindResolver, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geoip database: %w", err)
	}
	return &MaxMindResolver{reader: reader}, nil
}

func (r *MaxMindResolver) Lookup(address string) (*models.GeoLocation, error) {
	ip := net.ParseIP(address)
	if ip == nil {
		return nil, models.ErrInvalidAddress
	}

	record, err := r.reader.City(ip)
	if err != nil {
		return nil, err
	}
	if record.Country.IsoCode == "" {
		return nil, nil
	}

	return &models.GeoLocation{
		Country: record.Country.IsoCode,
		City:    record.City.Names["en"],
	}, nil
}

func (r *MaxMindResolver) Close() error {
	return r.reader.Close()
}

// Noop is used when no database is configured
type Noop struct{}

func (Noop) Lookup(string) (*models.GeoLocation, error) { return nil, nil }
func (Noop) Close() error                                { return nil }
