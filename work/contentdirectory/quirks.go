package contentdirectory

// virtualContainer describes one synthetic container id some renderer
// families browse instead of the real tree. Each maps to a real target
// container, optionally with synthesized search criteria, so a new quirk is
// one more table row.
type virtualContainer struct {
	targetID string
	criteria string
}

// virtualContainers covers the Xbox 360 music-library ids. The console
// never browses the advertised root; it asks for these fixed ids directly.
var virtualContainers = map[string]virtualContainer{
	// all music
	"4": {targetID: "0", criteria: `upnp:class derivedfrom "object.item.audioItem"`},
	// genres
	"5": {targetID: "0", criteria: `upnp:class derivedfrom "object.container.genre.musicGenre"`},
	// artists
	"6": {targetID: "0", criteria: `upnp:class derivedfrom "object.container.person.musicArtist"`},
	// albums
	"7": {targetID: "0", criteria: `upnp:class derivedfrom "object.container.album.musicAlbum"`},
	// playlists
	"F": {targetID: "0", criteria: `upnp:class derivedfrom "object.container.playlistContainer"`},
	// video
	"15": {targetID: "0", criteria: `upnp:class derivedfrom "object.item.videoItem"`},
	// pictures
	"16": {targetID: "0", criteria: `upnp:class derivedfrom "object.item.imageItem"`},
}
