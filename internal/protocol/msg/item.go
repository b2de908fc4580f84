package msg

import (
	"fmt"

	"github.com/marmos91/pamshim/internal/protocol/wire"
)

// textItem reports whether the item type belongs to the nullable-text class.
func textItem(itemType int32) bool {
	switch itemType {
	case ItemService, ItemUser, ItemUserPrompt, ItemTTY, ItemRUser,
		ItemRHost, ItemAuthTok, ItemOldAuthTok, ItemXDisplay, ItemAuthTokType:
		return true
	}
	return false
}

// Transmittable reports whether an item type has a wire encoding at all.
// Conv and FailDelay are stored on the client and never cross the boundary;
// everything else outside the table is rejected outright.
func Transmittable(itemType int32) bool {
	return textItem(itemType) || itemType == ItemXAuthData
}

func writeItem(s *wire.Stream, itemType int32, item *ItemValue) error {
	switch {
	case textItem(itemType):
		return writeText(s, item.Text)
	case itemType == ItemXAuthData:
		x := item.XAuth
		if x == nil {
			x = &XAuthData{}
		}
		if err := writeInt32(s, x.NameLen); err != nil {
			return err
		}
		if err := writeText(s, x.Name); err != nil {
			return err
		}
		if err := writeInt32(s, x.DataLen); err != nil {
			return err
		}
		return writeText(s, x.Data)
	default:
		return fmt.Errorf("msg: item type %d: %w", itemType, ErrProtocol)
	}
}

func readItem(s *wire.Stream, itemType int32, item *ItemValue) error {
	switch {
	case textItem(itemType):
		return readText(s, &item.Text)
	case itemType == ItemXAuthData:
		x := &XAuthData{}
		if err := readInt32(s, &x.NameLen); err != nil {
			return err
		}
		if err := readText(s, &x.Name); err != nil {
			return err
		}
		if err := readInt32(s, &x.DataLen); err != nil {
			return err
		}
		if err := readText(s, &x.Data); err != nil {
			return err
		}
		item.XAuth = x
		return nil
	default:
		return fmt.Errorf("msg: item type %d: %w", itemType, ErrProtocol)
	}
}
