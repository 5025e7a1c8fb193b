package spibridge

import (
	"errors"
	"fmt"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// ConnSPI runs exchanges on a periph.io SPI port. Chip select is driven by
// the host through SetCS, so the connection is opened with NoCS.
type ConnSPI struct {
	Port  spi.Port
	Clock physic.Frequency

	conn spi.Conn
	rx   [MaxTransmit]byte
}

func (s *ConnSPI) Setup() (err error) {
	if s.Port == nil {
		return errors.New("spi port not found")
	}
	// [N25Q32|Table 7: SPI Modes] mode 0 and mode 3 are supported
	// [iCE40-TN1248|SPI Slave Configuration Mode] mode 0 and mode 3 are supported
	s.conn, err = s.Port.Connect(s.Clock, spi.Mode0|spi.NoCS, 8)
	if err != nil {
		return fmt.Errorf("failed to connect SPI port: %w", err)
	}
	return nil
}

// Exchange implements SPI. The dma argument is unused: the periph driver
// schedules its own transfers.
func (s *ConnSPI) Exchange(dma DMA, tx []byte) ([]byte, error) {
	if len(tx) > len(s.rx) {
		return nil, fmt.Errorf("exchange of %d bytes exceeds %d", len(tx), len(s.rx))
	}
	rx := s.rx[:len(tx)]
	if len(tx) == 0 {
		return rx, nil
	}
	if err := s.conn.Tx(tx, rx); err != nil {
		return nil, err
	}
	return rx, nil
}
